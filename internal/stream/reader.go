package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alarmbot/homewatch/internal/health"
)

// Reader yields events decoded from one NDJSON stream. It is owned by a
// single goroutine; only Close may be called concurrently with Next.
type Reader[T any] struct {
	url       string
	requestID string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	body      io.ReadCloser
	br        *bufio.Reader
	op        *health.Op
	idle      *time.Timer

	closeOnce sync.Once
	err       error // sticky terminal error
}

// Open issues the streaming GET for source against url. It returns once the
// response headers arrive, or fails with ErrTimeout if they do not arrive
// within the connect timeout. The returned Reader must be closed.
func Open[T any](ctx context.Context, c *Client, source, url string) (*Reader[T], error) {
	op, err := c.registry.Begin(source, url)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, url, nil)
	if err != nil {
		cancel(nil)
		err = &Error{Op: "open", URL: url, Kind: ErrConnect, Err: err}
		op.End(err)
		return nil, err
	}
	reqID := c.setHeaders(req)

	connectTimer := time.AfterFunc(c.connectTimeout, func() { cancel(errConnectTimeout) })
	resp, err := c.http.Do(req)
	connectTimer.Stop()
	if err == nil && errors.Is(context.Cause(sctx), errConnectTimeout) {
		// The timer fired as the response arrived; the body is unusable.
		resp.Body.Close()
		err = context.Cause(sctx)
	}
	if err != nil {
		err = c.requestError(sctx, "open", url, reqID, err)
		cancel(nil)
		op.End(err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = statusError("open", url, reqID, resp)
		resp.Body.Close()
		cancel(nil)
		op.End(err)
		return nil, err
	}
	op.Succeeded()

	r := &Reader[T]{
		url:       url,
		requestID: reqID,
		ctx:       sctx,
		cancel:    cancel,
		body:      resp.Body,
		op:        op,
	}
	var body io.Reader = resp.Body
	if c.idleTimeout > 0 {
		r.idle = time.AfterFunc(c.idleTimeout, func() { cancel(errIdleTimeout) })
		body = &idleReader{r: resp.Body, timer: r.idle, timeout: c.idleTimeout}
	}
	r.br = bufio.NewReader(body)
	return r, nil
}

// RequestID is the X-Request-ID sent when opening the stream.
func (r *Reader[T]) RequestID() string { return r.requestID }

// URL is the stream URL.
func (r *Reader[T]) URL() string { return r.url }

// Next blocks until the next event is decoded. Once it returns an error every
// later call returns the same error. A clean close by the server yields
// ErrStreamEnded, a malformed line ErrProtocol, anything else on the wire
// ErrConnect or ErrTimeout. Cancelling the context passed to Open returns
// the context's error.
func (r *Reader[T]) Next() (T, error) {
	var zero T
	if r.err != nil {
		return zero, r.err
	}
	for {
		line, err := r.br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return zero, r.fail(r.readError(err))
		}

		if data := bytes.TrimSpace(line); len(data) > 0 {
			var v T
			if derr := json.Unmarshal(data, &v); derr != nil {
				return zero, r.fail(&Error{Op: "decode", URL: r.url, RequestID: r.requestID, Kind: ErrProtocol, Err: derr})
			}
			if err == io.EOF {
				// Deliver the unterminated last line; the end is
				// reported on the next call.
				r.fail(&Error{Op: "read", URL: r.url, RequestID: r.requestID, Kind: ErrStreamEnded})
			}
			return v, nil
		}

		if err == io.EOF {
			return zero, r.fail(&Error{Op: "read", URL: r.url, RequestID: r.requestID, Kind: ErrStreamEnded})
		}
	}
}

func (r *Reader[T]) readError(err error) error {
	cause := context.Cause(r.ctx)
	switch {
	case errors.Is(cause, errIdleTimeout):
		return &Error{Op: "read", URL: r.url, RequestID: r.requestID, Kind: ErrTimeout, Err: errIdleTimeout}
	case r.ctx.Err() != nil && cause != nil:
		return cause
	}
	return &Error{Op: "read", URL: r.url, RequestID: r.requestID, Kind: ErrConnect, Err: err}
}

// fail records the terminal error and releases the tracked operation.
func (r *Reader[T]) fail(err error) error {
	r.err = err
	r.op.End(err)
	return err
}

// Close aborts the request and releases the in-flight slot if Next has not
// already done so. It is safe to call more than once and from another
// goroutine, which unblocks a pending Next.
func (r *Reader[T]) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.idle != nil {
			r.idle.Stop()
		}
		r.cancel(context.Canceled)
		err = r.body.Close()
		r.op.End(nil)
	})
	return err
}

// idleReader re-arms the idle timer whenever bytes arrive.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// String is used in log lines.
func (r *Reader[T]) String() string {
	return fmt.Sprintf("%s (request %s)", r.url, r.requestID)
}
