// Package llmclient implements an HTTP-backed scheduler.Executor: it POSTs
// a task's composed prompt to a remote completion endpoint and returns the
// text it responds with. Adapted from orchestrator_src/task_executor.go's
// HTTPTaskExecutor (client construction, trace-context propagation via a
// header carrier, size-limited response read, status>=400 as error), with
// the template-resolution and multi-task-type dispatch trimmed since this
// engine has exactly one execution backend: an LLM completion call.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/engine/internal/model"
)

const maxResponseBytes = 10 << 20

// HTTPExecutor drives task execution by calling a remote LLM completion
// endpoint. It satisfies internal/scheduler.Executor structurally.
type HTTPExecutor struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	tracer  trace.Tracer
}

// NewHTTPExecutor builds an HTTPExecutor pointed at baseURL, authenticating
// with apiKey (sent as a bearer token) and requesting completions from
// model.
func NewHTTPExecutor(baseURL, apiKey, model string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		tracer:  otel.Tracer("taskengine-llm"),
	}
}

type completionRequest struct {
	Model  string `json:"model"`
	TaskID int64  `json:"task_id"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Output string `json:"output"`
}

// Execute sends prompt to the configured completion endpoint and returns
// its output text.
func (e *HTTPExecutor) Execute(ctx context.Context, task model.Task, prompt string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "llm.execute",
		trace.WithAttributes(attribute.Int64("task_id", task.ID), attribute.String("model", e.model)))
	defer span.End()

	payload, err := json.Marshal(completionRequest{Model: e.model, TaskID: task.ID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llmclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("llmclient: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("llmclient: completion endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body), nil
	}
	return parsed.Output, nil
}

type headerCarrier struct{ header http.Header }

func (h *headerCarrier) Get(key string) string { return h.header.Get(key) }
func (h *headerCarrier) Set(key, value string) { h.header.Set(key, value) }
func (h *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h.header))
	for k := range h.header {
		keys = append(keys, k)
	}
	return keys
}
