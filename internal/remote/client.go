// Package remote is the thin client for the tutoring backend API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conorfennell/tutorsync/internal/domain"
)

// ErrUnreachable wraps transport-level failures: DNS, refused connections,
// timeouts. The request may or may not have reached the server.
var ErrUnreachable = errors.New("backend unreachable")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the backend over HTTP with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client. timeout bounds every request; zero means 30s.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping checks reachability through the health endpoint. It satisfies
// connectivity.Probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
}

// FetchFlashcards returns the flashcards of a subject, or every flashcard the
// user can see when subjectID is empty.
func (c *Client) FetchFlashcards(ctx context.Context, subjectID string) ([]domain.Flashcard, error) {
	path := "/api/flashcards"
	if subjectID != "" {
		path += "?subjectId=" + url.QueryEscape(subjectID)
	}
	cards := []domain.Flashcard{}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// FetchTests returns the tests of a subject.
func (c *Client) FetchTests(ctx context.Context, subjectID string) ([]domain.Test, error) {
	tests := []domain.Test{}
	path := "/api/tests?subjectId=" + url.QueryEscape(subjectID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &tests); err != nil {
		return nil, err
	}
	return tests, nil
}

// SubmitResult posts a queued result. The result id is sent as the
// Idempotency-Key so the server can discard a retried submission.
func (c *Client) SubmitResult(ctx context.Context, r domain.PendingResult) error {
	headers := http.Header{}
	headers.Set("Idempotency-Key", r.ID)
	headers.Set("X-Result-Kind", string(r.Kind))
	return c.do(ctx, http.MethodPost, "/api/test-results", r.Payload, headers, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
