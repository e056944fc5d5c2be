package matchclient

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/stats"
	"github.com/valyala/fasthttp"
)

// HeaderProvider injects per-request headers such as X-User-Id.
type HeaderProvider func() map[string]string

// APIError is a non-2xx response from the match API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return "match api " + e.Code + ": " + e.Message
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithUser sends a fixed X-User-Id on every request.
func WithUser(id string) Option {
	return WithHeaderProvider(func() map[string]string { return map[string]string{"X-User-Id": id} })
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial overrides how connections are opened.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, nil, true)
}

func (c *Client) Leaderboard(ctx context.Context) ([]stats.RankingEntry, error) {
	var out []stats.RankingEntry
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/leaderboard", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, playerID string) (*stats.UserStats, error) {
	var out stats.UserStats
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/players/"+url.PathEscape(playerID)+"/stats", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Match(ctx context.Context, id string) (*match.Match, error) {
	var out match.Match
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/matches/"+url.PathEscape(id), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Invite(ctx context.Context, opponent string, settings match.Settings) (*match.Match, error) {
	req := map[string]any{"opponent": opponent, "settings": settings}
	var out match.Match
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/matches", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition posts one of accept, reject, start, score, or confirm.
func (c *Client) Transition(ctx context.Context, id, action string, body any) (*match.Match, error) {
	var out match.Match
	path := "/matches/" + url.PathEscape(id) + "/" + action
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if in != nil {
		payload, err := sonic.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 0 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = errors.Wrap(err, "request failed")
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := decodeError(status, resp.Body())
			if attempt == attempts || !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			var env envelope
			if err := sonic.Unmarshal(resp.Body(), &env); err != nil {
				return errors.Wrap(err, "decode response")
			}
			if len(env.Data) > 0 {
				if err := sonic.Unmarshal(env.Data, out); err != nil {
					return errors.Wrap(err, "decode response data")
				}
			}
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func decodeError(status int, body []byte) *APIError {
	var env envelope
	if err := sonic.Unmarshal(body, &env); err == nil && env.Error != nil {
		return env.Error
	}
	return &APIError{Status: status, Code: "http_" + strconv.Itoa(status), Message: truncate(string(body), 512)}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
