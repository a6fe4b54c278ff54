// Package embedding implements the embedding service: a cache-aware,
// batch-safe pipeline over a remote embedding provider, with dynamic
// batch sizing and an async handle surface. Grounded on the
// original embedding_batch_processor.py for the pipeline and batch-size
// adjustment, and on thread_safe_async_manager.py / orchestrator_src's
// cancellation.go for the async handle semantics.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Provider computes embedding vectors for a batch of texts remotely.
// Implementations must treat the call as idempotent for the same model and
// input ordering.
type Provider interface {
	Model() string
	Dimension() int
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// MockProvider synthesizes deterministic vectors from a hash of each text,
// so the service and its callers can run with no network dependency. Used
// when the engine is configured in mock mode.
type MockProvider struct {
	model string
	dim   int
}

// NewMockProvider constructs a deterministic provider for tests and
// network-free operation.
func NewMockProvider(model string, dim int) *MockProvider {
	return &MockProvider{model: model, dim: dim}
}

func (m *MockProvider) Model() string  { return m.model }
func (m *MockProvider) Dimension() int { return m.dim }

func (m *MockProvider) GetEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, m.dim)
	}
	return out, nil
}

// hashVector derives a deterministic unit-ish vector from text, expanding
// a sha256 digest across dim float32 lanes.
func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	for i := 0; i < dim; i++ {
		off := (i * 4) % (len(sum) - 4 + 1)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		v[i] = float32(bits)/float32(math.MaxUint32)*2 - 1
	}
	return v
}
