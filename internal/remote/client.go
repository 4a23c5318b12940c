package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/opsync/internal/task"
)

// Ensure Client implements Store at compile time.
var _ Store = (*Client)(nil)

// TokenFunc supplies the session bearer token for a request. It is the
// seam to the external authentication provider.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the record store HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     TokenFunc
	tracer    trace.Tracer
	userAgent string
}

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "opsync/0.1"
)

// Options configures optional client behavior.
type Options struct {
	Timeout   time.Duration
	Token     TokenFunc
	Tracer    trace.Tracer
	UserAgent string
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, opts Options) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("remote base URL is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base URL %q: %w", baseURL, err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("opsync")
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: timeout},
		token:     opts.Token,
		tracer:    tracer,
		userAgent: userAgent,
	}, nil
}

// List fetches the full collection, newest first.
func (c *Client) List(ctx context.Context) ([]task.Task, error) {
	var out []task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new task and returns the authoritative record.
func (c *Client) Create(ctx context.Context, input task.CreateInput) (task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", input, &out); err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// Update patches a task and returns the authoritative record.
func (c *Client) Update(ctx context.Context, id string, fields task.Fields) (task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), fields, &out); err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// FetchOne reads a single task.
func (c *Client) FetchOne(ctx context.Context, id string) (task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// SetCompleted writes an absolute completion value.
func (c *Client) SetCompleted(ctx context.Context, id string, completed bool) (task.Task, error) {
	return c.Update(ctx, id, task.Fields{Completed: &completed})
}

// Delete removes a task.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	ctx, span := c.tracer.Start(ctx, "remote."+strings.ToLower(method),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	err := c.doOnce(ctx, method, path, body, dest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, dest any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + path})

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Message: "encode request body", Cause: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return &APIError{Message: "create request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return &APIError{Message: "resolve session token", Cause: err}
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Message: "execute request", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return &APIError{
			Message:    fmt.Sprintf("%s %s failed", method, path),
			StatusCode: resp.StatusCode,
			Cause:      readErrorBody(resp.Body),
		}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return &APIError{Message: "decode response", Cause: err}
	}
	return nil
}

// readErrorBody extracts a server-supplied message, if any, for the error
// chain. Bodies are small; a bounded read protects against garbage.
func readErrorBody(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return nil
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Message != "" {
			return fmt.Errorf("%s", payload.Message)
		}
		if payload.Error != "" {
			return fmt.Errorf("%s", payload.Error)
		}
	}
	return fmt.Errorf("%s", strings.TrimSpace(string(raw)))
}
