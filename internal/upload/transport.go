package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ecg-relay/internal/models"
)

// Transport delivers one batch to the collector. A non-nil error means
// the request did not complete (connectivity, timeout, cancellation);
// otherwise the HTTP status code is returned.
type Transport interface {
	Upload(ctx context.Context, req models.UploadRequest) (int, error)
}

// HTTPTransportConfig holds configuration for the collector client
type HTTPTransportConfig struct {
	BaseURL string        // e.g., "http://localhost:5000"
	Timeout time.Duration // per request
}

// HTTPTransport posts batches as JSON to {BaseURL}/upload_data
type HTTPTransport struct {
	client   *http.Client
	endpoint string
}

// NewHTTPTransport creates a collector client
func NewHTTPTransport(config HTTPTransportConfig) *HTTPTransport {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(config.BaseURL, "/") + "/upload_data",
	}
}

// Upload sends req and returns the response status code
func (t *HTTPTransport) Upload(ctx context.Context, req models.UploadRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
