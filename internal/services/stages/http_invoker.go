package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/models"
)

// APIError is a non-2xx reply from a hosted stage function
type APIError struct {
	StatusCode int
	Message    string
	Stage      models.StageName
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stage %s: status %d: %s", e.Stage, e.StatusCode, e.Message)
}

// InvokerOption configures an HTTPInvoker
type InvokerOption func(*HTTPInvoker)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) InvokerOption {
	return func(i *HTTPInvoker) { i.client = client }
}

// HTTPInvoker implements interfaces.StageInvoker by POSTing to hosted functions at
// {baseURL}/functions/v1/{stage}
type HTTPInvoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  arbor.ILogger
}

// NewHTTPInvoker creates a remote stage invoker
func NewHTTPInvoker(baseURL, apiKey string, logger arbor.ILogger, opts ...InvokerOption) *HTTPInvoker {
	i := &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke posts req to the stage endpoint and decodes the StageResult
func (i *HTTPInvoker) Invoke(ctx context.Context, stage models.StageName, req models.StageRequest) (*models.StageResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/functions/v1/%s", i.baseURL, stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if i.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.apiKey)
		httpReq.Header.Set("apikey", i.apiKey)
	}

	i.logger.Debug().
		Str("workflow_id", req.WorkflowID).
		Str("url", endpoint).
		Msg("Invoking hosted stage")

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data)), Stage: stage}
	}

	var result models.StageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stage response: %w", err)
	}
	return &result, nil
}
