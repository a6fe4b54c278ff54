package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider computes embeddings by calling a remote embedding endpoint,
// adapted from orchestrator_src/task_executor.go's HTTPTaskExecutor request
// construction and size-limited response read, narrowed to one fixed JSON
// request/response shape instead of that file's templated arbitrary-body
// HTTP task.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	model   string
	dim     int
}

// NewHTTPProvider builds a Provider pointed at baseURL, requesting
// dim-dimensional vectors from model.
func NewHTTPProvider(baseURL, model string, dim int, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   model,
		dim:     dim,
	}
}

func (p *HTTPProvider) Model() string  { return p.model }
func (p *HTTPProvider) Dimension() int { return p.dim }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// GetEmbeddings computes one vector per text in a single remote call.
func (p *HTTPProvider) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embedding: endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}
