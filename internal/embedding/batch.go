package embedding

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/engine/internal/embedcache"
	"github.com/taskmesh/engine/internal/resilience"
)

const maxPerformanceHistory = 100

// performanceSample is one observed batch-call outcome.
type performanceSample struct {
	batchSize int
	timing    time.Duration
	success   bool
}

// Stats summarizes recent batch-processing performance.
type Stats struct {
	CurrentBatchSize int
	MaxBatchSize     int
	AvgTiming        time.Duration
	AvgBatchSize     float64
	SuccessRate      float64
	TotalRequests    int
}

// Service is the cache-aware, batch-safe embedding pipeline described by
// the engine's embedding contract: getEmbeddings(texts) -> vectors.
type Service struct {
	provider Provider
	cache    *embedcache.Cache
	breaker  *resilience.CircuitBreaker

	maxBatchSize        int
	maxConcurrentBatches int
	maxRetries           int
	retryDelay           time.Duration

	mu                sync.Mutex
	dynamicBatchSize  int
	history           []performanceSample

	requests metric.Int64Counter
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithCircuitBreaker wraps provider calls with the given breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = cb }
}

// WithConcurrency sets the max number of sub-batches dispatched in parallel.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrentBatches = n
		}
	}
}

// WithRetry configures the exponential-backoff retry policy for provider calls.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		s.retryDelay = baseDelay
	}
}

// New constructs a Service over provider and cache with the given max batch size.
func New(provider Provider, cache *embedcache.Cache, maxBatchSize int, meter metric.Meter, opts ...Option) *Service {
	s := &Service{
		provider:             provider,
		cache:                cache,
		maxBatchSize:         maxBatchSize,
		dynamicBatchSize:     maxBatchSize,
		maxConcurrentBatches: 3,
		maxRetries:           3,
		retryDelay:           500 * time.Millisecond,
	}
	if meter != nil {
		s.requests, _ = meter.Int64Counter("engine_embedding_requests_total")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelName returns the identifier of the underlying provider's model, for
// callers that need to tag a stored vector with the model that produced it.
func (s *Service) ModelName() string { return s.provider.Model() }

// GetEmbeddings implements the batch pipeline: preprocess, cache lookup,
// sub-batched remote fetch for misses, cache update, merge back to input
// order with empty slots dropped.
func (s *Service) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	processed := preprocessTexts(texts)

	cached, misses := s.cache.GetBatch(s.provider.Model(), processed)
	if len(misses) == 0 {
		return dropEmpty(cached), nil
	}

	var missIdx []int
	var missTexts []string
	for _, idx := range misses {
		if processed[idx] == "" {
			continue
		}
		missIdx = append(missIdx, idx)
		missTexts = append(missTexts, processed[idx])
	}
	if len(missTexts) == 0 {
		return dropEmpty(cached), nil
	}

	computed, err := s.computeBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	s.cache.PutBatch(s.provider.Model(), missTexts, computed)

	result := make([][]float32, len(processed))
	copy(result, cached)
	for i, idx := range missIdx {
		if i < len(computed) {
			result[idx] = computed[i]
		}
	}
	return dropEmpty(result), nil
}

func preprocessTexts(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = strings.TrimSpace(t)
	}
	return out
}

func dropEmpty(vectors [][]float32) [][]float32 {
	out := make([][]float32, 0, len(vectors))
	for _, v := range vectors {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (s *Service) computeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	batchSize := s.dynamicBatchSize
	s.mu.Unlock()

	if len(texts) <= batchSize {
		return s.callProvider(ctx, texts)
	}
	return s.computeConcurrent(ctx, texts, batchSize)
}

func (s *Service) computeConcurrent(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	batches := splitBatches(texts, batchSize)

	results := make([][][]float32, len(batches))
	errs := make([]error, len(batches))
	sem := make(chan struct{}, s.maxConcurrentBatches)
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, batch []string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = s.callProvider(ctx, batch)
		}(i, batch)
	}
	wg.Wait()

	var all [][]float32
	for i := range batches {
		if errs[i] != nil {
			return nil, errs[i]
		}
		all = append(all, results[i]...)
	}
	return all, nil
}

func splitBatches(texts []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[i:end])
	}
	return batches
}

func (s *Service) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	if s.breaker != nil && !s.breaker.Allow() {
		return nil, errCircuitOpen
	}
	start := time.Now()
	vectors, err := s.invokeWithRetry(ctx, texts)
	timing := time.Since(start)

	if s.breaker != nil {
		s.breaker.RecordResult(err == nil)
	}
	if s.requests != nil {
		s.requests.Add(ctx, 1)
	}
	s.recordPerformance(len(texts), timing, err == nil)
	s.adjustBatchSize(len(texts), timing, err == nil)
	return vectors, err
}

func (s *Service) invokeWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Retry(ctx, s.maxRetries, s.retryDelay, func() ([][]float32, error) {
		return s.provider.GetEmbeddings(ctx, texts)
	})
}

func (s *Service) recordPerformance(batchSize int, timing time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, performanceSample{batchSize: batchSize, timing: timing, success: success})
	if len(s.history) > maxPerformanceHistory {
		s.history = s.history[len(s.history)-maxPerformanceHistory:]
	}
}

// adjustBatchSize reduces the dynamic batch size by 20% on failure;
// on success it grows by 10% (capped at max) when throughput is high, and
// shrinks by 10% (floored at 1) when throughput is low.
func (s *Service) adjustBatchSize(batchSize int, timing time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !success {
		s.dynamicBatchSize = maxInt(1, int(float64(s.dynamicBatchSize)*0.8))
		return
	}
	var throughput float64
	if timing > 0 {
		throughput = float64(batchSize) / timing.Seconds()
	}
	switch {
	case throughput > 50 && s.dynamicBatchSize < s.maxBatchSize:
		s.dynamicBatchSize = minInt(s.maxBatchSize, int(float64(s.dynamicBatchSize)*1.1))
	case throughput < 10 && s.dynamicBatchSize > 1:
		s.dynamicBatchSize = maxInt(1, int(float64(s.dynamicBatchSize)*0.9))
	}
}

// Stats returns a snapshot of recent batch-processing performance.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{CurrentBatchSize: s.dynamicBatchSize, MaxBatchSize: s.maxBatchSize}
	if len(s.history) == 0 {
		return st
	}
	var totalTiming time.Duration
	var totalBatch int
	var successes int
	for _, h := range s.history {
		totalTiming += h.timing
		totalBatch += h.batchSize
		if h.success {
			successes++
		}
	}
	n := len(s.history)
	st.TotalRequests = n
	st.AvgTiming = totalTiming / time.Duration(n)
	st.AvgBatchSize = float64(totalBatch) / float64(n)
	st.SuccessRate = float64(successes) / float64(n)
	return st
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
