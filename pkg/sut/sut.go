// Package sut talks to the system under test: its project and chat API,
// and the instrumented-browser service that exercises the generated site.
package sut

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
)

// Target identifies one project on one system-under-test version.
type Target struct {
	SystemVersion string
	ProjectID     string
	// Link is the public URL of the generated site, when known.
	Link string
}

// Project is returned by project creation.
type Project struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.Status, e.Body)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}

	return &http.Client{Timeout: timeout}
}

// postJSON posts body as JSON and returns the raw response body.
func postJSON(
	ctx context.Context, c *http.Client, url, token string, body any,
) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			URL:    url,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	return data, nil
}

func joinURL(base string, elems ...string) string {
	u := strings.TrimRight(base, "/")
	for _, e := range elems {
		u += "/" + strings.Trim(e, "/")
	}

	return u
}
