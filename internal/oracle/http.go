// ABOUTME: HTTP transport posting oracle requests as JSON to a configured endpoint
// ABOUTME: Returns the raw response body for contract validation by the Adapter

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of an oracle response is read.
const maxResponseBytes = 1 << 20

// HTTPTransport calls a generic JSON oracle service.
type HTTPTransport struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

type httpRequest struct {
	Model string `json:"model,omitempty"`
	*Request
}

// Complete posts req and returns the response body.
func (t *HTTPTransport) Complete(ctx context.Context, req *Request) ([]byte, error) {
	body, err := json.Marshal(httpRequest{Model: t.Model, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
