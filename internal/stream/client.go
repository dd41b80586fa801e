// Package stream opens authenticated NDJSON event streams against a home's
// endpoint and wraps the occasional JSON request with the same auth, timeout
// and health tracking.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alarmbot/homewatch/internal/health"
)

// DefaultConnectTimeout bounds the wait for a response.
const DefaultConnectTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer token on every request.
	Token string

	// ConnectTimeout bounds the wait for response headers. It does not
	// apply to reading a stream body. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// IdleTimeout fails a stream that delivers no bytes for this long.
	// Zero disables it and leaves stall detection to the transport.
	IdleTimeout time.Duration

	// HTTPClient overrides the transport. It must not set Timeout, which
	// would cut off long-lived streams.
	HTTPClient *http.Client
}

// Client issues requests on behalf of all sessions. It is safe for concurrent
// use.
type Client struct {
	registry       *health.Registry
	token          string
	connectTimeout time.Duration
	idleTimeout    time.Duration
	http           *http.Client
}

// NewClient creates a client that reports request lifecycle to registry.
func NewClient(registry *health.Registry, opts Options) *Client {
	c := &Client{
		registry:       registry,
		token:          opts.Token,
		connectTimeout: opts.ConnectTimeout,
		idleTimeout:    opts.IdleTimeout,
		http:           opts.HTTPClient,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Get fetches url and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// Post sends body as JSON to url and decodes the response into out if out is
// non-nil.
func (c *Client) Post(ctx context.Context, url string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, url, data, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) (err error) {
	op, err := c.registry.BeginURL(url)
	if err != nil {
		return err
	}
	defer func() { op.End(err) }()

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	reqID := c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.requestError(ctx, "request", url, reqID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError("request", url, reqID, resp)
	}
	op.Succeeded()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Op: "decode", URL: url, RequestID: reqID, Kind: ErrProtocol, Err: err}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) string {
	reqID := uuid.NewString()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	return reqID
}

// requestError classifies a failed http.Client.Do call.
func (c *Client) requestError(ctx context.Context, op, url, reqID string, err error) error {
	if errors.Is(context.Cause(ctx), errConnectTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Op: op, URL: url, RequestID: reqID, Kind: ErrTimeout, Err: fmt.Errorf("no response within %v", c.connectTimeout)}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Op: op, URL: url, RequestID: reqID, Kind: ErrConnect, Err: err}
}

func statusError(op, url, reqID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Error{
		Op:        op,
		URL:       url,
		RequestID: reqID,
		Kind:      ErrConnect,
		Err:       fmt.Errorf("%d %s", resp.StatusCode, bytes.TrimSpace(body)),
	}
}
