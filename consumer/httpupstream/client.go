// Package httpupstream implements consumer.Upstream against the HTTP
// protocol served by package httpapi.
package httpupstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rbaliyan/inbox/consumer"
)

// Response headers read on 429.
const (
	headerRateLimitReset = "X-RateLimit-Reset"
	headerRetryAfter     = "Retry-After"
)

// DefaultPollSlack is added to the requested wait to form the poll deadline.
const DefaultPollSlack = 10 * time.Second

type options struct {
	httpClient *http.Client
	headers    map[string]string
	timeout    time.Duration
	pollSlack  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.headers[key] = value
	}
}

// WithTimeout bounds every call except Poll, whose deadline is its wait
// plus the poll slack.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPollSlack sets the time allowed beyond the requested long-poll wait.
func WithPollSlack(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollSlack = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Client is an HTTP consumer.Upstream.
type Client struct {
	rc   *resty.Client
	opts *options
}

var _ consumer.Upstream = (*Client)(nil)

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	o := &options{
		headers:   map[string]string{},
		timeout:   15 * time.Second,
		pollSlack: DefaultPollSlack,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	var rc *resty.Client
	if o.httpClient != nil {
		rc = resty.NewWithClient(o.httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeaders(o.headers)

	return &Client{rc: rc, opts: o}
}

// Bootstrap opens a session.
func (c *Client) Bootstrap(ctx context.Context, req consumer.BootstrapRequest) (*consumer.BootstrapResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	var out consumer.BootstrapResponse
	resp, err := c.rc.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/v1/bootstrap")
	if err := c.check("bootstrap", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll long-polls for events after req.Cursor.
func (c *Client) Poll(ctx context.Context, req consumer.PollRequest) (*consumer.PollResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Wait+c.opts.pollSlack)
	defer cancel()

	params := map[string]string{
		"actorId":  req.ActorID,
		"tenantId": req.TenantID,
		"roomId":   req.RoomID,
		"cursor":   req.Cursor,
		"waitMs":   strconv.FormatInt(req.Wait.Milliseconds(), 10),
	}
	if len(req.Types) > 0 {
		params["types"] = strings.Join(req.Types, ",")
	}
	if req.Heartbeat {
		params["heartbeat"] = "true"
	}

	var out consumer.PollResponse
	resp, err := c.rc.R().SetContext(ctx).SetQueryParams(params).SetResult(&out).Get("/v1/events")
	if err := c.check("poll", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges events.
func (c *Client) Ack(ctx context.Context, req consumer.AckRequest) (*consumer.AckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	var out consumer.AckResponse
	resp, err := c.rc.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/v1/ack")
	if err := c.check("ack", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enter registers presence.
func (c *Client) Enter(ctx context.Context, req consumer.PresenceRequest) error {
	return c.presence(ctx, "/v1/presence/enter", req)
}

// Leave removes presence.
func (c *Client) Leave(ctx context.Context, req consumer.PresenceRequest) error {
	return c.presence(ctx, "/v1/presence/leave", req)
}

func (c *Client) presence(ctx context.Context, path string, req consumer.PresenceRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	resp, err := c.rc.R().SetContext(ctx).SetBody(req).Post(path)
	return c.check(path, resp, err)
}

// check converts transport failures and error statuses into consumer errors.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	code := resp.StatusCode()
	if code == http.StatusTooManyRequests {
		return &consumer.RateLimitError{ResetAt: c.resetAt(resp.Header())}
	}
	c.opts.logger.Debug("upstream error status", "op", op, "status", code)
	return &consumer.StatusError{Code: code, Body: errorMessage(resp.Body())}
}

// resetAt reads X-RateLimit-Reset (unix seconds), then Retry-After
// (seconds). Zero means unknown.
func (c *Client) resetAt(h http.Header) time.Time {
	if v := strings.TrimSpace(h.Get(headerRateLimitReset)); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0)
		}
	}
	if v := strings.TrimSpace(h.Get(headerRetryAfter)); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			return c.opts.now().Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// errorMessage extracts the error field of a JSON error body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
