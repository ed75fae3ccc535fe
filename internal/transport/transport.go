// Package transport executes authenticated provider HTTP calls with
// status-aware retries, Retry-After handling and token refresh on 401.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/metrics"
)

// DefaultBackoff is the wait before retry 1, 2 and 3.
var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// DefaultTimeout applies to a single HTTP attempt when neither the request
// nor the client sets one.
const DefaultTimeout = 30 * time.Second

// TokenSource supplies and renews the bearer credential of one account.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
}

// AuthStyle decides where the access token goes.
type AuthStyle struct {
	queryParam string
}

// AuthHeader sends "Authorization: Bearer <token>".
var AuthHeader = AuthStyle{}

// AuthQuery sends the token as a query parameter.
func AuthQuery(param string) AuthStyle {
	return AuthStyle{queryParam: param}
}

func (a AuthStyle) apply(req *http.Request, token string) {
	if a.queryParam == "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	q := req.URL.Query()
	q.Set(a.queryParam, token)
	req.URL.RawQuery = q.Encode()
}

// Request is one logical call. Body is replayed on every attempt.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
	SkipAuth bool

	// Op names the call in errors and logs; defaults to "METHOD host/path".
	Op string
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Tokens     TokenSource
	AuthStyle  AuthStyle
	Timeout    time.Duration
	Backoff    []time.Duration

	// RatePerSecond > 0 enables a token bucket in front of every attempt.
	RatePerSecond float64
	Burst         int64

	// DecodeError reads a provider error body. A non-nil kind overrides the
	// status-based classification.
	DecodeError ErrorDecoder

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// ErrorDecoder extracts a provider error code and message from a failed response.
type ErrorDecoder func(resp *Response) (code, message string, kind error)

// Client is the retrying transport shared by a provider client.
type Client struct {
	http    *http.Client
	tokens  TokenSource
	auth    AuthStyle
	timeout time.Duration
	backoff []time.Duration
	bucket  *ratelimit.Bucket
	logger  *zap.Logger
	metrics *metrics.Metrics
	decode  ErrorDecoder

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:    httpClient,
		tokens:  opts.Tokens,
		auth:    opts.AuthStyle,
		timeout: timeout,
		backoff: backoff,
		logger:  logger,
		metrics: opts.Metrics,
		decode:  opts.DecodeError,
		sleep:   sleepContext,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.bucket = ratelimit.NewBucketWithRate(opts.RatePerSecond, burst)
	}
	return c
}

// MaxRetries is the number of retries after the first attempt.
func (c *Client) MaxRetries() int {
	return len(c.backoff)
}

// tokenError marks a failure to obtain a token; the cause is already
// classified by the token source.
type tokenError struct{ err error }

func (e *tokenError) Error() string { return e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// Do executes req with the retry policy.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	op := req.Op
	if op == "" {
		op = req.Method + " " + redactURL(req.URL)
	}
	refreshed := false

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.bucket != nil {
			if d := c.bucket.Take(1); d > 0 {
				if err := c.sleep(ctx, d); err != nil {
					return nil, err
				}
			}
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			var te *tokenError
			if errors.As(err, &te) {
				return nil, te.err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isRetryableError(err) {
				return nil, adapter.NewError(adapter.ErrTransport, op, err)
			}
			if attempt >= c.MaxRetries() {
				c.logger.Error("request failed, retries exhausted",
					zap.String("op", op), zap.Int("attempts", attempt+1), zap.Error(err))
				return nil, adapter.NewError(adapter.ErrTransport, op, err)
			}
			if err := c.wait(ctx, op, attempt, c.backoff[attempt], "network", 0, err); err != nil {
				return nil, err
			}
			continue
		}

		status := resp.StatusCode
		if status >= 200 && status < 300 {
			return resp, nil
		}

		switch {
		case status == http.StatusInsufficientStorage:
			return nil, c.statusError(adapter.ErrQuotaExceeded, op, resp)

		case status == http.StatusUnauthorized && !req.SkipAuth && c.tokens != nil:
			if attempt >= c.MaxRetries() {
				c.logger.Error("request unauthorized, retries exhausted",
					zap.String("op", op), zap.Int("attempts", attempt+1))
				return nil, c.statusError(adapter.ErrAuthorization, op, resp)
			}
			if !refreshed {
				refreshed = true
				if _, err := c.tokens.RefreshAccessToken(ctx); err != nil {
					return nil, c.refreshFailed(ctx, op, status, err)
				}
				c.metrics.Retry("unauthorized")
				c.logger.Info("access token refreshed after 401, retrying",
					zap.String("op", op), zap.Int("attempt", attempt+1))
				continue
			}
			if err := c.wait(ctx, op, attempt, c.backoff[attempt], "unauthorized", status, nil); err != nil {
				return nil, err
			}

		case retryableStatus(status):
			if attempt >= c.MaxRetries() {
				c.logger.Error("request failed, retries exhausted",
					zap.String("op", op), zap.Int("attempts", attempt+1), zap.Int("status", status))
				kind := adapter.ErrTransport
				if status == http.StatusUnauthorized {
					kind = adapter.ErrAuthorization
				}
				return nil, c.statusError(kind, op, resp)
			}
			delay := c.backoff[attempt]
			if status == http.StatusTooManyRequests {
				if ra := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ra > 0 {
					delay = ra
				}
			}
			if err := c.wait(ctx, op, attempt, delay, http.StatusText(status), status, nil); err != nil {
				return nil, err
			}

		default:
			return nil, c.statusError(classifyStatus(status), op, resp)
		}
	}
}

func (c *Client) wait(ctx context.Context, op string, attempt int, delay time.Duration, reason string, status int, cause error) error {
	fields := []zap.Field{
		zap.String("op", op),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
	}
	if status != 0 {
		fields = append(fields, zap.Int("status", status))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	c.logger.Warn("request failed, retrying", fields...)
	c.metrics.Retry(reason)
	return c.sleep(ctx, delay)
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if !req.SkipAuth && c.tokens != nil {
		token, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, &tokenError{err: err}
		}
		c.auth.apply(httpReq, token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) statusError(kind error, op string, resp *Response) *adapter.Error {
	e := &adapter.Error{
		Kind:   kind,
		Op:     op,
		Status: resp.StatusCode,
		Err:    errors.New(snippet(resp.Body)),
	}
	if c.decode != nil {
		code, msg, override := c.decode(resp)
		e.Code = code
		if msg != "" {
			e.Err = errors.New(msg)
		}
		if override != nil {
			e.Kind = override
		}
	}
	return e
}

func classifyStatus(status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return adapter.ErrNotFound
	case http.StatusPreconditionFailed:
		return adapter.ErrPreconditionFailed
	case http.StatusForbidden:
		return adapter.ErrAuthorization
	}
	if status >= 400 && status < 500 {
		return adapter.ErrRejected
	}
	return adapter.ErrTransport
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// redactURL drops the query string, which may carry an access token.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// refreshFailed turns a failed refresh into the error returned to the caller.
// Outages and cancellation keep the account connected; anything else means
// the grant is gone and the account is disconnected.
func (c *Client) refreshFailed(ctx context.Context, op string, status int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, adapter.ErrTransport) {
		c.logger.Warn("token refresh unavailable", zap.String("op", op), zap.Error(err))
		return err
	}
	if derr := c.tokens.Disconnect(ctx); derr != nil {
		c.logger.Warn("disconnect after failed refresh", zap.Error(derr))
	}
	c.logger.Error("token refresh failed", zap.String("op", op), zap.Error(err))
	return &adapter.Error{Kind: adapter.ErrTokenRefresh, Op: op, Status: status, Err: err}
}

// RefreshAfterRejection refreshes the access token once when a provider
// reports an expired token inside a successful response. It applies the
// same disconnect rules as a 401.
func (c *Client) RefreshAfterRejection(ctx context.Context, op string) error {
	if c.tokens == nil {
		return adapter.NewError(adapter.ErrAuthorization, op, errors.New("no token source"))
	}
	if _, err := c.tokens.RefreshAccessToken(ctx); err != nil {
		return c.refreshFailed(ctx, op, 0, err)
	}
	c.metrics.Retry("unauthorized")
	c.logger.Info("access token refreshed after rejection", zap.String("op", op))
	return nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
