package embedding

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// HandleStatus is the lifecycle state of an async embedding task.
type HandleStatus string

const (
	HandlePending   HandleStatus = "pending"
	HandleRunning   HandleStatus = "running"
	HandleSucceeded HandleStatus = "succeeded"
	HandleFailed    HandleStatus = "failed"
	HandleCancelled HandleStatus = "cancelled"
)

// Handle is the (cancel, await, poll) triple returned by the async surface.
type Handle struct {
	kind string

	mu        sync.Mutex
	status    HandleStatus
	result    [][]float32
	err       error
	completed chan struct{}
	cancel    context.CancelFunc
	createdAt time.Time
	doneAt    time.Time
}

func newHandle(kind string, cancel context.CancelFunc) *Handle {
	return &Handle{
		kind:      kind,
		status:    HandlePending,
		completed: make(chan struct{}),
		cancel:    cancel,
		createdAt: time.Now(),
	}
}

// Poll returns the handle's current status without blocking.
func (h *Handle) Poll() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Await blocks until the task finishes, is cancelled, or ctx is done.
func (h *Handle) Await(ctx context.Context) ([][]float32, error) {
	select {
	case <-h.completed:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. It marks the task cancelled and
// returns immediately without waiting for the provider call to unwind.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status == HandlePending || h.status == HandleRunning {
		h.status = HandleCancelled
	}
	h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) finish(result [][]float32, err error) {
	h.mu.Lock()
	if h.status == HandleCancelled {
		h.doneAt = time.Now()
		h.mu.Unlock()
		close(h.completed)
		return
	}
	if err != nil {
		h.status = HandleFailed
		h.err = err
	} else {
		h.status = HandleSucceeded
		h.result = result
	}
	h.doneAt = time.Now()
	h.mu.Unlock()
	close(h.completed)
}

// Manager tracks in-flight and recently completed async embedding tasks,
// exposing lifetime counts by task kind and periodically dropping completed
// handles so the registry does not grow unbounded.
type Manager struct {
	svc *Service

	mu       sync.Mutex
	handles  map[*Handle]struct{}
	lifetime map[string]int64

	stopCh chan struct{}
	doneCh chan struct{}

	launched metric.Int64Counter
}

// NewManager constructs a Manager over svc, starting a housekeeper that
// sweeps completed handles every cleanupInterval.
func NewManager(svc *Service, cleanupInterval time.Duration, meter metric.Meter) *Manager {
	m := &Manager{
		svc:      svc,
		handles:  make(map[*Handle]struct{}),
		lifetime: make(map[string]int64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if meter != nil {
		m.launched, _ = meter.Int64Counter("engine_embedding_async_launched_total")
	}
	if cleanupInterval > 0 {
		go m.housekeeper(cleanupInterval)
	} else {
		close(m.doneCh)
	}
	return m
}

// ModelName returns the underlying service's provider model identifier.
func (m *Manager) ModelName() string { return m.svc.ModelName() }

// Close stops the housekeeper.
func (m *Manager) Close() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// GetEmbeddingsAsync launches a batch embedding computation and returns a handle.
func (m *Manager) GetEmbeddingsAsync(ctx context.Context, texts []string) *Handle {
	return m.launch(ctx, "batch", func(taskCtx context.Context) ([][]float32, error) {
		return m.svc.GetEmbeddings(taskCtx, texts)
	})
}

// GetSingleEmbeddingAsync launches a single-text embedding computation.
func (m *Manager) GetSingleEmbeddingAsync(ctx context.Context, text string) *Handle {
	return m.launch(ctx, "single", func(taskCtx context.Context) ([][]float32, error) {
		return m.svc.GetEmbeddings(taskCtx, []string{text})
	})
}

// ProgressFunc reports incremental completion out of total during a precompute run.
type ProgressFunc func(done, total int)

// PrecomputeAsync warms the cache for texts, reporting progress via progressCb
// as each sub-batch completes.
func (m *Manager) PrecomputeAsync(ctx context.Context, texts []string, progressCb ProgressFunc) *Handle {
	return m.launch(ctx, "precompute", func(taskCtx context.Context) ([][]float32, error) {
		const chunk = 50
		var all [][]float32
		for i := 0; i < len(texts); i += chunk {
			end := i + chunk
			if end > len(texts) {
				end = len(texts)
			}
			select {
			case <-taskCtx.Done():
				return all, taskCtx.Err()
			default:
			}
			vecs, err := m.svc.GetEmbeddings(taskCtx, texts[i:end])
			if err != nil {
				return all, err
			}
			all = append(all, vecs...)
			if progressCb != nil {
				progressCb(end, len(texts))
			}
		}
		return all, nil
	})
}

func (m *Manager) launch(ctx context.Context, kind string, fn func(context.Context) ([][]float32, error)) *Handle {
	taskCtx, cancel := context.WithCancel(ctx)
	h := newHandle(kind, cancel)

	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.lifetime[kind]++
	m.mu.Unlock()

	if m.launched != nil {
		m.launched.Add(ctx, 1)
	}

	go func() {
		h.mu.Lock()
		if h.status == HandleCancelled {
			h.mu.Unlock()
			close(h.completed)
			return
		}
		h.status = HandleRunning
		h.mu.Unlock()

		result, err := fn(taskCtx)
		h.finish(result, err)
	}()

	return h
}

// LifetimeCounts returns the total number of tasks ever launched per kind.
func (m *Manager) LifetimeCounts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.lifetime))
	for k, v := range m.lifetime {
		out[k] = v
	}
	return out
}

// ActiveCount returns the number of handles not yet swept.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) housekeeper(interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepCompleted()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h := range m.handles {
		select {
		case <-h.completed:
			delete(m.handles, h)
		default:
			h.mu.Lock()
			cancelled := h.status == HandleCancelled
			h.mu.Unlock()
			if cancelled {
				delete(m.handles, h)
			}
		}
	}
}
