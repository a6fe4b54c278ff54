package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskmesh/engine/internal/apperr"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeEngineError maps a domain error to its HTTP status per
// EngineError.HTTPStatus, falling back to 500 for anything else.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *apperr.EngineError
	if errors.As(err, &ee) {
		writeError(w, ee.HTTPStatus(), ee.Message)
		return
	}
	if errors.Is(err, errMissingToken) || errors.Is(err, errInvalidToken) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
