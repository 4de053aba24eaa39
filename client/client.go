// Package client executes API calls and classifies their outcomes:
// success, HTTP error, connection error, or parse error. Connection
// errors are retried with bounded backoff; a 401 triggers exactly one
// token refresh and replay; a human-verification demand parks the request
// until the challenge resolves, then replays it once with the proof.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/okeefe/latch/session"
	"github.com/okeefe/latch/verification"
)

// Headers attached by the pipeline.
const (
	headerSessionUID  = "X-Session-UID"
	headerAppVersion  = "X-App-Version"
	headerHVToken     = "X-HV-Token"
	headerHVTokenType = "X-HV-Token-Type"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// Client is the request pipeline. Safe for concurrent use; independent
// request chains only meet at the session manager, the verification
// manager, and the cookie jar inside the transport.
type Client struct {
	base       *url.URL
	http       *http.Client
	sessions   *session.Manager
	verifier   *verification.Manager
	logger     *zap.Logger
	appVersion string
	clientID   string

	maxRetries  uint64
	backoffBase time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCookieJar installs the jar on the underlying transport so cookies
// are attached and extracted on every request/response pair.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) { c.http.Jar = jar }
}

func WithSessionManager(m *session.Manager) Option {
	return func(c *Client) { c.sessions = m }
}

func WithVerificationManager(m *verification.Manager) Option {
	return func(c *Client) { c.verifier = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithAppVersion(v string) Option {
	return func(c *Client) { c.appVersion = v }
}

// WithClientID sets the identity that scopes verification challenges for
// unauthenticated requests.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

func WithRetry(maxRetries uint64, backoffBase time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoffBase = backoffBase
	}
}

// New creates a Client for the API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	c := &Client{
		base:        base,
		http:        &http.Client{Timeout: defaultTimeout},
		logger:      zap.NewNop(),
		clientID:    "app",
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sessions exposes the session manager, e.g. for observing forced logouts.
func (c *Client) Sessions() *session.Manager { return c.sessions }

// SetSessionManager attaches the session manager after construction. The
// manager's refresh function usually needs the client first, so the wiring
// is circular by nature: build the client, build the manager around
// auth.Refresher(client), then attach it here.
func (c *Client) SetSessionManager(m *session.Manager) { c.sessions = m }

// requestChain tracks the one-shot recovery steps already spent on a
// logical request: at most one refresh and one verification replay each.
type requestChain struct {
	refreshed bool
	verified  bool
	hvToken   verification.Token
}

// Do executes one API call. uid may be empty for unauthenticated calls.
func (c *Client) Do(ctx context.Context, uid string, req Request) (*Response, error) {
	chain := &requestChain{}
	if req.ForceNoRetry {
		return c.attempt(ctx, uid, req, chain)
	}

	var resp *Response
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.attempt(ctx, uid, req, chain)
		if err != nil {
			var connErr *ConnectionError
			if errors.As(err, &connErr) {
				c.logger.Debug("retrying after connection error",
					zap.String("path", req.Path), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DoJSON executes the call and unmarshals the response body into out.
func (c *Client) DoJSON(ctx context.Context, uid string, req Request, out any) error {
	resp, err := c.Do(ctx, uid, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, uid string, req Request, chain *requestChain) (*Response, error) {
	hreq, err := c.build(ctx, uid, req, chain)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	httpErr := &HTTPError{Status: resp.StatusCode, API: parseAPIError(body)}

	if resp.StatusCode == http.StatusUnauthorized && uid != "" && !req.NoAuth {
		return c.recoverUnauthorized(ctx, uid, req, chain, httpErr)
	}
	if httpErr.API != nil && httpErr.API.Code == CodeHumanVerificationRequired &&
		c.verifier != nil && !chain.verified {
		return c.recoverVerification(ctx, uid, req, chain, httpErr)
	}
	return nil, httpErr
}

// recoverUnauthorized spends the chain's single refresh on a 401. A second
// 401 after a successful refresh means the session is beyond repair:
// invalidate it and force logout rather than loop.
func (c *Client) recoverUnauthorized(ctx context.Context, uid string, req Request, chain *requestChain, cause *HTTPError) (*Response, error) {
	if c.sessions == nil {
		return nil, cause
	}
	if chain.refreshed {
		c.logger.Warn("still unauthorized after refresh, invalidating session",
			zap.String("uid", uid))
		c.sessions.Invalidate(uid)
		return nil, fmt.Errorf("%w: %v", session.ErrRefreshExhausted, cause)
	}
	chain.refreshed = true
	if _, err := c.sessions.Refresh(ctx, uid); err != nil {
		return nil, err
	}
	return c.attempt(ctx, uid, req, chain)
}

// recoverVerification parks the request on the verification manager and
// replays it once with the proof attached. Abandonment surfaces the
// original error.
func (c *Client) recoverVerification(ctx context.Context, uid string, req Request, chain *requestChain, cause *HTTPError) (*Response, error) {
	chain.verified = true
	clientID := uid
	if clientID == "" {
		clientID = c.clientID
	}
	var details struct {
		HumanVerificationMethods []string `json:"HumanVerificationMethods"`
	}
	if cause.API.Details != nil {
		_ = json.Unmarshal(cause.API.Details, &details)
	}
	tok, err := c.verifier.Await(ctx, clientID, details.HumanVerificationMethods, cause)
	if err != nil {
		return nil, err
	}
	chain.hvToken = tok
	return c.attempt(ctx, uid, req, chain)
}

func (c *Client) build(ctx context.Context, uid string, req Request, chain *requestChain) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + req.Path

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if c.appVersion != "" {
		hreq.Header.Set(headerAppVersion, c.appVersion)
	}
	if uid != "" && !req.NoAuth && c.sessions != nil {
		token, err := c.sessions.AccessToken(ctx, uid)
		if err != nil {
			return nil, err
		}
		hreq.Header.Set("Authorization", "Bearer "+token)
		hreq.Header.Set(headerSessionUID, uid)
	}
	if chain.hvToken != (verification.Token{}) {
		hreq.Header.Set(headerHVToken, chain.hvToken.Code)
		hreq.Header.Set(headerHVTokenType, chain.hvToken.Type)
	}
	return hreq, nil
}

func parseAPIError(body []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return nil
	}
	if apiErr.Code == 0 && apiErr.Message == "" {
		return nil
	}
	return &apiErr
}
