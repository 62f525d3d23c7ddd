package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 8 << 20
	errorBodyLimit      = 256
)

// ErrMalformedResponse is returned when the backend answers with a body that is not a GraphQL envelope.
var ErrMalformedResponse = errors.New("graphql: malformed response")

// Doer matches the subset of http.Client used by Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request is the JSON body POSTed to a GraphQL endpoint.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Error mirrors an entry of the GraphQL "errors" array.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is the decoded GraphQL envelope. Raw holds the body as received.
type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors,omitempty"`
	Raw    []byte          `json:"-"`
}

// Empty reports whether the backend returned no body at all.
func (r *Response) Empty() bool {
	return r == nil || len(bytes.TrimSpace(r.Raw)) == 0
}

// ErrorMessages flattens the GraphQL error messages.
func (r *Response) ErrorMessages() []string {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if msg := strings.TrimSpace(e.Message); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body != "" {
		return fmt.Sprintf("graphql: request failed with status code %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("graphql: request failed with status code %d", e.StatusCode)
}

// Client posts GraphQL documents over HTTP.
type Client struct {
	http         Doer
	userAgent    string
	maxBodyBytes int64
}

// Option customises Client construction.
type Option func(*Client)

// WithDoer injects the HTTP transport (primarily for tests).
func WithDoer(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = strings.TrimSpace(ua)
	}
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// NewClient constructs a Client. Without WithDoer it uses an http.Client whose
// transport emits OpenTelemetry client spans.
func NewClient(opts ...Option) *Client {
	c := &Client{
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c
}

// CallOption adjusts a single outbound request.
type CallOption func(*http.Request)

// WithBearer sets the Authorization header. An empty token leaves the request unauthenticated.
func WithBearer(token string) CallOption {
	return func(req *http.Request) {
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader sets an arbitrary request header.
func WithHeader(key, value string) CallOption {
	return func(req *http.Request) {
		if key != "" {
			req.Header.Set(key, value)
		}
	}
}

// Execute POSTs the request to endpoint and decodes the GraphQL envelope.
// An empty body yields a Response for which Empty reports true.
func (c *Client) Execute(ctx context.Context, endpoint string, gqlReq Request, opts ...CallOption) (*Response, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("graphql: client not configured")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(gqlReq); err != nil {
		return nil, fmt.Errorf("graphql: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("graphql: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(req)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: drainError(resp.Body)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("graphql: read response: %w", err)
	}

	out := &Response{Raw: body}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return strings.TrimSpace(string(b))
}
