package apperr

import (
	"net/http"
	"testing"
)

func TestHTTPStatusBusinessCycleIsBadRequest(t *testing.T) {
	err := Business(CodeCycleDetected, "dependency cycle")
	if got := err.HTTPStatus(); got != http.StatusBadRequest {
		t.Fatalf("expected 400 for a cycle-detected business error, got %d", got)
	}
}

func TestHTTPStatusBusinessNotFoundStays404(t *testing.T) {
	for _, code := range []int{CodeTaskNotFound, CodeJobNotFound, CodeSnapshotNotFound} {
		err := Business(code, "not found")
		if got := err.HTTPStatus(); got != http.StatusNotFound {
			t.Fatalf("expected 404 for business code %d, got %d", code, got)
		}
	}
}

func TestHTTPStatusBusinessInputErrorsAreBadRequest(t *testing.T) {
	for _, code := range []int{CodeInvalidTransition, CodeWorkflowMismatch, CodeIterationsExceeded} {
		err := Business(code, "bad input")
		if got := err.HTTPStatus(); got != http.StatusBadRequest {
			t.Fatalf("expected 400 for business code %d, got %d", code, got)
		}
	}
}
