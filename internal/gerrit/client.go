package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/metrics"
)

// xssiPrefix is the anti-XSSI header Gerrit prepends to all JSON responses.
const xssiPrefix = ")]}'"

// rateLimitWaits caps how many rate-limit signals a single request honors
// before giving up.
const rateLimitWaits = 2

// Client talks to one Gerrit deployment's REST API. Each pipeline instance
// owns its own Client; only the base-path discovery cache is shared across
// instances (see basepath.go).
type Client struct {
	baseURL     string // scheme://host, no trailing slash, no path
	username    string
	password    string
	basePath    string
	basePathSet bool
	httpClient  *http.Client
	log         *logging.Logger
}

type Option func(*Client)

// WithBasicAuth enables authenticated access. Queries are issued under the
// /a/ prefix when credentials are present.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithBasePath pins the REST base path, skipping discovery. Use "/" for
// deployments serving the API at the root.
func WithBasePath(path string) Option {
	return func(c *Client) {
		c.basePath = strings.TrimSuffix(path, "/")
		c.basePathSet = true
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(log *logging.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithDebug dumps requests and responses to stderr. Intended for
// troubleshooting deployments with unusual path or proxy setups.
func WithDebug() Option {
	return func(c *Client) {
		hc := c.httpClient
		if hc == nil {
			hc = &http.Client{}
		}
		hc.Transport = newLoggingTransport(hc.Transport)
		c.httpClient = hc
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is an HTTP error response served by Gerrit.
type Error struct {
	URL        string
	StatusCode int
	Status     string
	Body       string

	rateLimitReset time.Duration // reset hint from 429/403 headers, 0 if none
}

func (e *Error) Error() string {
	extra := strings.TrimSpace(e.Body)
	if extra != "" {
		extra = ": " + extra
	}
	return fmt.Sprintf("gerrit: %s%s", e.Status, extra)
}

// Temporary reports whether the error is worth retrying.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500
}

// QueryChanges runs a change query, optionally requesting additional output
// options such as CURRENT_REVISION.
func (c *Client) QueryChanges(ctx context.Context, query string, options ...string) ([]*ChangeInfo, error) {
	path := "/changes/?q=" + url.QueryEscape(query)
	for _, o := range options {
		path += "&o=" + url.QueryEscape(o)
	}

	var changes []*ChangeInfo
	if err := c.get(ctx, path, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// ChangeURL returns the web URL of a change on this deployment.
func (c *Client) ChangeURL(ctx context.Context, project string, number int) (string, error) {
	base, err := c.Base(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/c/%s/+/%d", base, project, number), nil
}

// get issues an authenticated GET against the discovered base path, strips
// the XSSI guard and decodes the JSON body into target. A rate-limit signal
// (429, or 403 carrying a reset hint) is honored by waiting for the
// advertised reset time before retrying, instead of generic backoff.
func (c *Client) get(ctx context.Context, path string, target any) error {
	base, err := c.Base(ctx)
	if err != nil {
		return err
	}
	if c.username != "" {
		path = "/a" + path
	}
	reqURL := base + path

	for waited := 0; ; waited++ {
		body, gerr := c.do(ctx, reqURL)
		if gerr != nil {
			if reset, ok := rateLimitReset(gerr); ok && waited < rateLimitWaits {
				metrics.RESTRateLimited()
				c.log.Warnf("gerrit rate limit hit, waiting %s before retry", reset)
				select {
				case <-time.After(reset):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return gerr
		}

		if target == nil {
			return nil
		}

		if bytes.HasPrefix(body, []byte(xssiPrefix)) {
			i := bytes.IndexByte(body, '\n')
			if i < 0 {
				return fmt.Errorf("gerrit: %s: malformed response, bad guard line", reqURL)
			}
			body = body[i:]
		}
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("gerrit: %s: malformed json response: %w", reqURL, err)
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "github2gerrit")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	metrics.RESTRequest(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gerrit: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		gerr := &Error{URL: reqURL, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		gerr.rateLimitReset = responseReset(resp)
		return nil, gerr
	}

	return body, nil
}

// rateLimitReset is attached to Error when the response carried a reset
// hint. Zero means no hint.
func responseReset(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusForbidden {
		return 0
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
			return time.Second
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		// 429 without a hint still signals backpressure.
		return time.Second
	}
	return 0
}

func rateLimitReset(err error) (time.Duration, bool) {
	gerr, ok := err.(*Error)
	if !ok || gerr.rateLimitReset <= 0 {
		return 0, false
	}
	return gerr.rateLimitReset, true
}
