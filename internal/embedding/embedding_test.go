package embedding

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/taskmesh/engine/internal/embedcache"
)

func TestGetEmbeddingsCachesAcrossCalls(t *testing.T) {
	provider := &countingProvider{MockProvider: *NewMockProvider("mock", 8)}
	cache := embedcache.New(100, "")
	defer cache.Close()
	meter := noopmetric.MeterProvider{}.Meter("test")

	svc := New(provider, cache, 4, meter)

	vecs, err := svc.GetEmbeddings(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}

	// second call should be fully served from cache
	_, err = svc.GetEmbeddings(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected no additional provider calls, got %d total", provider.calls)
	}
}

func TestGetEmbeddingsDropsEmptySlots(t *testing.T) {
	provider := NewMockProvider("mock", 4)
	cache := embedcache.New(100, "")
	defer cache.Close()
	meter := noopmetric.MeterProvider{}.Meter("test")

	svc := New(provider, cache, 4, meter)
	vecs, err := svc.GetEmbeddings(context.Background(), []string{"a", "  ", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected empty-after-trim slot dropped, got %d vectors", len(vecs))
	}
}

func TestAdjustBatchSizeShrinksOnFailure(t *testing.T) {
	provider := NewMockProvider("mock", 4)
	cache := embedcache.New(100, "")
	defer cache.Close()
	meter := noopmetric.MeterProvider{}.Meter("test")

	svc := New(provider, cache, 10, meter)
	svc.adjustBatchSize(10, 100*time.Millisecond, false)
	if svc.Stats().CurrentBatchSize != 8 {
		t.Fatalf("expected batch size to shrink to 8, got %d", svc.Stats().CurrentBatchSize)
	}
}

func TestManagerAsyncGetAndCancel(t *testing.T) {
	provider := NewMockProvider("mock", 4)
	cache := embedcache.New(100, "")
	defer cache.Close()
	meter := noopmetric.MeterProvider{}.Meter("test")

	svc := New(provider, cache, 4, meter)
	mgr := NewManager(svc, 0, meter)
	defer mgr.Close()

	h := mgr.GetEmbeddingsAsync(context.Background(), []string{"hi"})
	vecs, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if mgr.LifetimeCounts()["batch"] != 1 {
		t.Fatalf("expected lifetime count of 1 for kind batch")
	}

	h2 := mgr.GetEmbeddingsAsync(context.Background(), []string{"slow"})
	h2.Cancel()
	if h2.Poll() != HandleCancelled && h2.Poll() != HandleSucceeded {
		t.Fatalf("expected cancelled or raced-to-success status, got %v", h2.Poll())
	}
}

type countingProvider struct {
	MockProvider
	calls int
}

func (p *countingProvider) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	return p.MockProvider.GetEmbeddings(ctx, texts)
}
