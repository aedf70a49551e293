// Package request is the outbound HTTP transport for the survey server.
// Requests to the same host are serialized through one queue and worker,
// rate limited, and retried with exponential backoff on 429 and 5xx.
package request

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("fmtmgo/%s", version.Version)

// Options tune the client. Zero durations, counts and strings take the
// DefaultOptions value.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RatePerSecond <= 0 disables the limiter.
	RatePerSecond float64
	Burst         int
	UserAgent     string
	Logger        *slog.Logger
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Timeout:       60 * time.Second,
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		RatePerSecond: 10,
		Burst:         5,
		UserAgent:     defaultUserAgent,
	}
}

// Client sends HTTP requests through per-host queues.
type Client struct {
	httpClient *http.Client
	opts       Options
	limiter    *rate.Limiter
	backoff    *HostBackoff
	logger     *slog.Logger

	queues map[string]chan job
	mu     sync.Mutex
}

type job struct {
	req      *http.Request
	headers  map[string]string
	respChan chan jobResult
}

type jobResult struct {
	body []byte
	err  error
}

// StatusError is returned for a final non-2xx response. It unwraps to
// errdefs.ErrNotFound for 404 and errdefs.ErrExternal otherwise.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error: status %d from %s: %s", e.Code, e.URL, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return errdefs.ErrNotFound
	}
	return errdefs.ErrExternal
}

// New creates a Client.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		limiter:    limiter,
		backoff:    NewHostBackoff(opts.BaseDelay, opts.MaxDelay),
		logger:     opts.Logger,
		queues:     make(map[string]chan job),
	}
}

// BasicAuth returns an Authorization header map for user and password.
func BasicAuth(user, password string) map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return map[string]string{"Authorization": "Basic " + token}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, u string, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, u, nil, headers)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, u string, body []byte, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, u, body, headers)
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, u string, body []byte, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodPatch, u, body, headers)
}

// Do queues a request on its host's worker and waits for the response body.
func (c *Client) Do(ctx context.Context, method, u string, body []byte, headers map[string]string) ([]byte, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", errdefs.ErrValidation, err)
	}

	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan jobResult, 1)
	c.dispatch(parsed.Host, job{req: req, headers: headers, respChan: respChan})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.body, res.err
	}
}

// dispatch sends the job to the host's queue, starting its worker on first use.
func (c *Client) dispatch(host string, j job) {
	c.mu.Lock()
	q, ok := c.queues[host]
	if !ok {
		q = make(chan job, 100)
		c.queues[host] = q
		go c.worker(host, q)
	}
	c.mu.Unlock()

	// a full queue throttles the caller
	select {
	case q <- j:
	case <-j.req.Context().Done():
		j.respChan <- jobResult{err: j.req.Context().Err()}
	}
}

// worker processes requests for one host sequentially.
func (c *Client) worker(host string, q <-chan job) {
	for j := range q {
		ctx := j.req.Context()
		if ctx.Err() != nil {
			c.logger.Warn("Job dropped from queue (context expired)", "host", host, "error", ctx.Err())
			j.respChan <- jobResult{err: ctx.Err()}
			continue
		}

		for k, v := range j.headers {
			j.req.Header.Set(k, v)
		}
		if j.req.Header.Get("User-Agent") == "" {
			j.req.Header.Set("User-Agent", c.opts.UserAgent)
		}

		body, err := c.executeWithBackoff(host, j.req)
		j.respChan <- jobResult{body: body, err: err}
	}
}

// executeWithBackoff attempts the request, retrying network errors, 429 and 5xx.
// The delay between attempts comes from the host backoff.
func (c *Client) executeWithBackoff(host string, req *http.Request) ([]byte, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := c.backoff.Wait(ctx, host); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 0 && req.GetBody != nil {
			b, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			req.Body = b
		}

		c.logger.Debug("Network Request", "method", req.Method, "host", host, "path", req.URL.Path, "attempt", attempt+1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Request failed, retrying", "url", req.URL, "attempt", attempt+1, "error", err)
			lastErr = err
			c.backoff.RecordFailure(host)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Warn("API Backoff", "status", resp.StatusCode, "url", req.URL, "attempt", attempt+1)
			lastErr = &StatusError{Code: resp.StatusCode, URL: req.URL.String(), Body: string(body)}
			c.backoff.RecordFailure(host)
			continue
		}

		c.backoff.RecordSuccess(host)
		if resp.StatusCode >= 400 {
			return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.String(), Body: string(body)}
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: read error: %v", errdefs.ErrExternal, readErr)
		}
		return body, nil
	}

	if se, ok := lastErr.(*StatusError); ok {
		return nil, se
	}
	return nil, fmt.Errorf("%w: max retries exceeded: %v", errdefs.ErrExternal, lastErr)
}
