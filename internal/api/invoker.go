package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/config"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
)

// Invoker executes an operation against the processing backend. The
// reliability layer fronts it; the backend itself (model invocation,
// analysis pipeline) lives in another service.
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload map[string]interface{}) (map[string]interface{}, error)
}

// HTTPInvoker forwards operations to an upstream HTTP service as
// POST <base>/<operation> with a JSON payload.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker for the configured upstream
func NewHTTPInvoker(cfg config.UpstreamConfig) *HTTPInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPInvoker{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Invoke performs the upstream call
func (i *HTTPInvoker) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewValidationError("payload is not serializable")
	}

	url := fmt.Sprintf("%s/%s", i.baseURL, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to build upstream request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errors.NewExternalError(operation, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError(operation, "failed to read upstream response")
	}

	if resp.StatusCode >= 500 {
		return nil, errors.NewExternalError(operation,
			fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errors.NewValidationError(
			fmt.Sprintf("upstream rejected request with %d", resp.StatusCode))
	}

	var response map[string]interface{}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, errors.NewExternalError(operation, "upstream response is not valid JSON")
	}

	return response, nil
}
