// Package marketplace is the HTTP boundary to the job marketplace. Every
// request the agent makes funnels through Client so that throttling,
// session cookies, and failure classification behave the same everywhere.
//
// The marketplace speaks JSON; endpoints and payload shapes follow the
// platform's XHR API. Failures classify into the sentinel errors the
// orchestrator steers on: expired sessions surface as auth errors, 429s as
// server throttling with the advertised cooldown, 5xx and network trouble
// as transient, and 404 on a job as the listing being gone.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/version"
)

const (
	// maxErrorBodyBytes bounds how much of an error response lands in logs
	// and error messages
	maxErrorBodyBytes = 512

	// maxResponseBytes bounds any marketplace response we are willing to
	// decode
	maxResponseBytes = 4 << 20
)

// ThrottledError carries the cooldown a 429 response advertised via
// Retry-After. It unwraps to ErrRateLimited so errors.Is classification
// keeps working.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter <= 0 {
		return "rate limited by server"
	}
	return fmt.Sprintf("rate limited by server (retry after %s)", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return errors.ErrRateLimited }

// RetryAfterHint extracts the server-mandated cooldown from a throttle
// error, or 0 when the server named none.
func RetryAfterHint(err error) time.Duration {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter
	}
	return 0
}

// errDuplicate marks a 409 response: the marketplace has already accepted
// this action. Executors treat it as idempotent success.
var errDuplicate = errors.New("marketplace already accepted this action")

// Client is an authenticated JSON client for the marketplace.
//
// A token bucket caps outbound requests per minute independently of the
// pace controller's inter-action gaps. The cap protects against code paths
// that fan out into many requests (pagination, message polling) even when
// each counts as a single "action".
type Client struct {
	baseURL   string
	http      *http.Client
	jar       *cookiejar.Jar
	limiter   *rate.Limiter // nil = unlimited
	userAgent string
	logger    *zap.SugaredLogger
}

// NewClient creates a marketplace client. requestsPerMinute caps raw HTTP
// traffic; 0 disables the cap.
func NewClient(cfg config.MarketplaceConfig, requestsPerMinute int, logger *zap.SugaredLogger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("marketplace base URL not configured")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrapf(err, "invalid marketplace base URL %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		jar:       jar,
		limiter:   limiter,
		userAgent: "ronin/" + version.Version,
		logger:    logger,
	}, nil
}

// BaseURL returns the configured marketplace root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Cookies returns the session cookies currently held for the marketplace
func (c *Client) Cookies() []*http.Cookie {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil
	}
	return c.jar.Cookies(u)
}

// SetCookies adds session cookies for the marketplace
func (c *Client) SetCookies(cookies []*http.Cookie) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "invalid base URL")
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// ClearCookies drops all session cookies. Jars only merge, so clearing
// means swapping in a fresh one.
func (c *Client) ClearCookies() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create cookie jar")
	}
	c.jar = jar
	c.http.Jar = jar
	return nil
}

// getJSON performs a GET and decodes the JSON response into out
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request for %s", path)
	}
	return c.do(req, out)
}

// postJSON performs a POST with a JSON body and decodes the JSON response
// into out. A nil out discards the response body.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrapf(err, "failed to encode request body for %s", path)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return errors.Wrapf(err, "failed to create request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends the request through the rate limiter, classifies the response
// status, and decodes the body
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return errors.Wrap(err, "request cancelled while rate limited")
		}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err, req)
	}
	defer resp.Body.Close()

	c.logger.Debugw("Marketplace request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(started).Round(time.Millisecond),
	)

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out == nil {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", req.URL.Path)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy. 2xx
// passes, everything else comes back classified.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet := readSnippet(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrAuth, "HTTP %d from %s: %s", resp.StatusCode, resp.Request.URL.Path, snippet)

	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errors.ErrNotFound, "HTTP 404 from %s", resp.Request.URL.Path)

	case resp.StatusCode == http.StatusConflict:
		return errors.Wrapf(errDuplicate, "HTTP 409 from %s: %s", resp.Request.URL.Path, snippet)

	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return errors.Wrapf(errors.ErrTransient, "HTTP %d from %s: %s", resp.StatusCode, resp.Request.URL.Path, snippet)

	default:
		// 4xx we have no mapping for: the request itself is wrong, so a
		// retry cannot fix it
		return errors.Wrapf(errors.ErrTerminal, "HTTP %d from %s: %s", resp.StatusCode, resp.Request.URL.Path, snippet)
	}
}

// transportError classifies request-level failures. Context cancellation
// passes through untouched so shutdown does not masquerade as marketplace
// trouble.
func transportError(err error, req *http.Request) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Wrapf(errors.ErrTransient, "%s %s: %v", req.Method, req.URL.Path, err)
}

// parseRetryAfter handles both forms the header allows: delta seconds and
// an HTTP date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func readSnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetHTTPClient allows overriding the HTTP client for testing
// ⚠️ WARNING: Only use this in tests.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client.Jar == nil {
		client.Jar = c.jar
	} else if jar, ok := client.Jar.(*cookiejar.Jar); ok {
		c.jar = jar
	}
	c.http = client
}
