// Package gateway is the HTTP client every backend call goes through. It
// applies a per-attempt timeout, bounded linear-backoff retries and uniform
// error tagging.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/rs/zerolog"
)

// Request is a fully materialized HTTP request. Body is resent verbatim on
// every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response carries a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration // per attempt
	BaseDelay  time.Duration // delay before retry n is BaseDelay*n
	HTTPClient *http.Client
	Logger     zerolog.Logger

	// OnAttempt, when set, is called before every attempt with its
	// 1-based number.
	OnAttempt func(attempt int)
}

// Client sends requests with retry and timeout policy.
type Client struct {
	opts Options
	http *http.Client
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{opts: opts, http: hc}
}

// Retryable reports whether a status code warrants another attempt.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// Do sends req, retrying up to maxRetries additional times on transport
// failure or a retryable status. Any other status is returned at once. When
// retries run out on a retryable status the last response is returned; on a
// transport failure the last error is returned tagged network or timeout.
func (c *Client) Do(ctx context.Context, req Request, maxRetries int) (*Response, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if c.opts.OnAttempt != nil {
			c.opts.OnAttempt(attempt + 1)
		}

		resp, err := c.attempt(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.opts.Logger.Debug().Err(err).Str("url", req.URL).Int("attempt", attempt+1).Msg("request failed")
		case Retryable(resp.StatusCode) && attempt < maxRetries:
			c.opts.Logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL).Int("attempt", attempt+1).Msg("retryable status")
		default:
			return resp, nil
		}

		if attempt < maxRetries {
			if err := sleep(ctx, c.opts.BaseDelay*time.Duration(attempt+1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, classifyTransport(lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyTransport tags a failed attempt as timeout or network.
func classifyTransport(err error) error {
	if err == nil {
		return apperr.New(apperr.KindNetwork, apperr.MsgNetwork)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, apperr.MsgTimeout, err)
	}
	return apperr.Wrap(apperr.KindNetwork, apperr.MsgNetwork, err)
}

// DoJSON marshals in (when non-nil) as the request body, sends it through
// Do and decodes a 2xx body into out (when non-nil). A non-2xx response
// becomes a tagged error carrying the body's "error" field, or
// "HTTP error: status N".
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, in, out any, maxRetries int) error {
	req := Request{Method: method, URL: url, Header: header.Clone()}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req, maxRetries)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return StatusError(resp)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apperr.Wrap(apperr.KindContent, "Invalid response from server", err)
	}
	return nil
}

// StatusError converts a non-2xx response into a tagged error.
func StatusError(resp *Response) error {
	msg := fmt.Sprintf("HTTP error: status %d", resp.StatusCode)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &body) == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Message != "":
			msg = body.Message
		}
	}

	kind := apperr.KindUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = apperr.KindPermission
	case resp.StatusCode == http.StatusNotFound:
		kind = apperr.KindNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		kind = apperr.KindValidation
	case Retryable(resp.StatusCode):
		kind = apperr.KindNetwork
	}
	return apperr.New(kind, msg)
}
