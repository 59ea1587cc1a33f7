// Package client is a Go client for the sandboxd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/orchestrator"
	"github.com/nstogner/sandboxd/pkg/server"
)

// DefaultHost is used when neither the host argument nor SANDBOXD_HOST is set.
const DefaultHost = "http://127.0.0.1:8080"

// Client talks to a sandboxd server.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a client for host. If host is empty, SANDBOXD_HOST is used,
// then DefaultHost.
func New(host string, opts ...Option) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = strings.TrimSpace(os.Getenv("SANDBOXD_HOST"))
	}
	if host == "" {
		host = DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing host %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status     int
	Kind       domain.Kind
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Is matches the domain sentinels, e.g. errors.Is(err, domain.ErrCapacityExceeded).
func (e *APIError) Is(target error) bool {
	t, ok := target.(*domain.Error)
	return ok && e.Kind != "" && t.Kind == e.Kind
}

// Acquire returns the session's sandbox, provisioning one if needed.
func (c *Client) Acquire(ctx context.Context, sessionKey string, req server.AcquireRequest) (orchestrator.Handle, error) {
	var h orchestrator.Handle
	err := c.do(ctx, http.MethodPost, sandboxPath(sessionKey), req, &h)
	return h, err
}

// Release tears down the session's sandbox. Unknown sessions are not an error.
func (c *Client) Release(ctx context.Context, sessionKey, reason string) error {
	p := sandboxPath(sessionKey)
	if reason != "" {
		p += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

// Status returns the session's current instance.
func (c *Client) Status(ctx context.Context, sessionKey string) (server.StatusResponse, error) {
	var st server.StatusResponse
	err := c.do(ctx, http.MethodGet, sandboxPath(sessionKey), nil, &st)
	return st, err
}

// Events returns the session's recorded transitions, the most recent limit
// of them when limit is positive.
func (c *Client) Events(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error) {
	p := sandboxPath(sessionKey) + "/events"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var events []domain.Event
	err := c.do(ctx, http.MethodGet, p, nil, &events)
	return events, err
}

// Logs streams the output of the session's sandbox. The caller closes it.
func (c *Client) Logs(ctx context.Context, sessionKey string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodGet, sandboxPath(sessionKey)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// List returns every instance the server knows about.
func (c *Client) List(ctx context.Context) ([]domain.Instance, error) {
	var out []domain.Instance
	err := c.do(ctx, http.MethodGet, "/api/sandboxes", nil, &out)
	return out, err
}

// History returns recorded instances, including collected ones, newest
// first. A limit of 0 returns all of them.
func (c *Client) History(ctx context.Context, limit int) ([]domain.Instance, error) {
	p := "/api/history"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.Instance
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// Templates returns the server's template catalog.
func (c *Client) Templates(ctx context.Context) ([]domain.Template, error) {
	var out []domain.Template
	err := c.do(ctx, http.MethodGet, "/api/templates", nil, &out)
	return out, err
}

// Watch streams the session's transitions until ctx is done or the server
// closes the connection. The returned channel is closed when the stream ends.
func (c *Client) Watch(ctx context.Context, sessionKey string) (<-chan server.WatchMessage, error) {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + sandboxPath(sessionKey) + "/watch"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	out := make(chan server.WatchMessage, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer ws.Close()
		for {
			var msg server.WatchMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func sandboxPath(sessionKey string) string {
	return "/api/sessions/" + url.PathEscape(sessionKey) + "/sandbox"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.base.String(), "/")+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body server.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil && body.Error != "" {
		e.Message = body.Error
		e.Kind = body.Kind
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return e
}
