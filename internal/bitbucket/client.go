// Package bitbucket talks to the Bitbucket Cloud and Server REST APIs: URL
// shapes, payload decoding per dialect, and pagination.
package bitbucket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

// DefaultTimeout bounds every single API call. There is no overall sync deadline.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept in a TransportError.
const maxErrorBody = 512

// Fetcher performs one authenticated GET. A non-2xx status is returned as a
// *TransportError together with the status and body.
type Fetcher interface {
	Fetch(ctx context.Context, url string, creds model.Credentials) (status int, body []byte, err error)
}

// Client is the HTTP Fetcher used against a live Bitbucket instance.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client whose calls time out after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Fetch performs a basic-auth GET. Requests are never retried.
func (c *Client) Fetch(ctx context.Context, url string, creds model.Credentials) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if creds.Username != "" || creds.Password != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return resp.StatusCode, body, &TransportError{URL: url, Status: resp.StatusCode, Body: snippet}
	}

	return resp.StatusCode, body, nil
}
