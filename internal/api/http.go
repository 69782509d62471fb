package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/roach88/presence/internal/attendance"
)

// Service endpoints, relative to Credentials.BaseURL.
const (
	MarkPath   = "/api/attendance/mark"
	SyncPath   = "/api/attendance/sync"
	HealthPath = "/api/health"
)

const defaultTimeout = 15 * time.Second

// HTTPClient talks to the attendance service over HTTP/2 (falling back to
// HTTP/1.1 when the server does not negotiate h2).
type HTTPClient struct {
	creds  CredentialsProvider
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client (tests use the one
// from httptest.Server).
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// WithNow overrides the clock used for token expiry checks.
func WithNow(now func() time.Time) Option {
	return func(h *HTTPClient) {
		h.now = now
	}
}

// NewTransport returns an HTTP transport configured for HTTP/2.
func NewTransport() (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	return tr, nil
}

// NewHTTPClient builds a client reading credentials from creds.
func NewHTTPClient(creds CredentialsProvider, opts ...Option) (*HTTPClient, error) {
	c := &HTTPClient{
		creds:  creds,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		tr, err := NewTransport()
		if err != nil {
			return nil, err
		}
		c.http = &http.Client{Transport: tr, Timeout: defaultTimeout}
	}
	return c, nil
}

// MarkAttendance POSTs the event's wire body to MarkPath.
func (c *HTTPClient) MarkAttendance(ctx context.Context, ev attendance.Event) error {
	creds := c.creds.Credentials()
	if err := creds.Check(c.now()); err != nil {
		return err
	}
	_, err := c.post(ctx, "mark", creds, MarkPath, c.wire(creds, ev))
	return err
}

// SyncBatch POSTs {"events": [...]} to SyncPath.
func (c *HTTPClient) SyncBatch(ctx context.Context, evs []attendance.Event) (BatchResult, error) {
	creds := c.creds.Credentials()
	if err := creds.Check(c.now()); err != nil {
		return BatchResult{}, err
	}

	body := struct {
		Events []attendance.Wire `json:"events"`
	}{Events: make([]attendance.Wire, len(evs))}
	for i, ev := range evs {
		body.Events[i] = c.wire(creds, ev)
	}

	raw, err := c.post(ctx, "sync", creds, SyncPath, body)
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return BatchResult{}, transient("sync", 0, "decode response", err)
	}
	if res.SuccessCount < 0 {
		res.SuccessCount = 0
	}
	if res.SuccessCount > len(evs) {
		res.SuccessCount = len(evs)
	}
	return res, nil
}

// CheckConnectivity GETs HealthPath and reports whether it answered 2xx.
func (c *HTTPClient) CheckConnectivity(ctx context.Context) bool {
	creds := c.creds.Credentials()
	if strings.TrimSpace(creds.BaseURL) == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(creds, HealthPath), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("connectivity check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *HTTPClient) wire(creds Credentials, ev attendance.Event) attendance.Wire {
	w := ev.Wire()
	if w.StudentID == "" {
		w.StudentID = creds.StudentID
	}
	return w
}

func (c *HTTPClient) url(creds Credentials, path string) string {
	return strings.TrimRight(creds.BaseURL, "/") + path
}

func (c *HTTPClient) post(ctx context.Context, op string, creds Credentials, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(creds, path), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(op, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transient(op, resp.StatusCode, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Code: CodeUnauthorized, Op: op, Status: resp.StatusCode, Message: "credentials rejected"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, transient(op, resp.StatusCode, strings.TrimSpace(string(respBody)), nil)
	}
	return respBody, nil
}
