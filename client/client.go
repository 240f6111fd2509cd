// Package client is the calling side of the session protocol. It holds the
// current token pair, attaches it to outgoing requests, and reacts to a 401
// by refreshing the pair exactly once no matter how many requests observe
// the rejection concurrently. Refresh outcomes split two ways: a definitive
// rejection of the refresh token ends the session locally, anything else is
// transient and leaves the pair in place for a later retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bearerworks/go-session-service/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthenticated means there is no usable session: either none was
	// established, or the server definitively rejected the refresh token.
	ErrUnauthenticated = errors.New("client: not authenticated")

	// ErrTransient means the refresh attempt failed without a verdict on the
	// token (network failure, timeout, 5xx). The pair is kept for retry.
	ErrTransient = errors.New("client: transient refresh failure")
)

const (
	defaultRetryAttempts  = 3
	defaultRefreshTimeout = 10 * time.Second
)

// idempotent methods may be retried on network errors.
var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// Client coordinates bearer authentication for outgoing requests.
type Client struct {
	baseURL        string
	http           *http.Client
	log            zerolog.Logger
	retryAttempts  int
	refreshTimeout time.Duration

	mu          sync.Mutex
	pair        *sessions.TokenPair
	inflight    chan struct{} // non-nil while a refresh runs, closed when it settles
	lastRefresh error
	subs        []chan *sessions.TokenPair
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRetryAttempts sets how many times an idempotent request is attempted
// on network errors.
func WithRetryAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
	}
}

// WithRefreshTimeout bounds a single refresh call. Expiry counts as
// transient.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// New creates a client for the session service at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("[client.New] baseURL is required")
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           http.DefaultClient,
		log:            zerolog.Nop(),
		retryAttempts:  defaultRetryAttempts,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.retryAttempts < 1 {
		c.retryAttempts = 1
	}
	return c, nil
}

// Token returns the current pair, or nil when signed out.
func (c *Client) Token() *sessions.TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pair
}

// Subscribe returns a channel that always holds the latest pair, starting
// with the current one. A nil value means signed out. Stale intermediate
// values are dropped, not queued.
func (c *Client) Subscribe() <-chan *sessions.TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *sessions.TokenPair, 1)
	ch <- c.pair
	c.subs = append(c.subs, ch)
	return ch
}

// setPair must be called with mu held.
func (c *Client) setPair(pair *sessions.TokenPair) {
	c.pair = pair
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- pair
	}
}

// NewRequest builds a request against the service base URL with a JSON
// body. The body is replayable, so the request survives retries and the
// post-refresh resend.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, errors.Wrap(err, "[Client.NewRequest] Encode")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.NewRequest] NewRequest")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SignIn establishes a session with the given credentials.
func (c *Client) SignIn(ctx context.Context, username, password string) error {
	req, err := c.NewRequest(ctx, http.MethodPost, "/sessions", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Client.SignIn] request failed")
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("[Client.SignIn] sign-in rejected with status %d", resp.StatusCode)
	}

	var pair sessions.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return errors.Wrap(err, "[Client.SignIn] Decode")
	}

	c.mu.Lock()
	c.setPair(&pair)
	c.mu.Unlock()

	c.log.Debug().Msg("signed in")
	return nil
}

// SignOut revokes the session server-side and clears the pair locally. The
// local pair is cleared even when revocation cannot be delivered.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	pair := c.pair
	c.setPair(nil)
	c.mu.Unlock()

	if pair == nil {
		return nil
	}

	req, err := c.NewRequest(ctx, http.MethodPost, "/sessions/revoke", map[string]string{
		"refreshToken": pair.RefreshToken,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", pair.TokenType+" "+pair.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Client.SignOut] request failed")
	}
	drainAndClose(resp.Body)

	c.log.Debug().Msg("signed out")
	return nil
}

// Do sends the request with the current access token attached. On a 401 it
// refreshes the pair (joining a refresh already in flight rather than
// starting another) and resends the request once with the new token.
// Requests arriving while a refresh is in flight wait for it to settle
// before sending.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	pair, err := c.awaitIdle(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, pair)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || pair == nil {
		return resp, nil
	}
	drainAndClose(resp.Body)

	if err := c.refresh(ctx, pair.AccessToken); err != nil {
		return nil, err
	}

	c.mu.Lock()
	pair = c.pair
	c.mu.Unlock()
	if pair == nil {
		return nil, ErrUnauthenticated
	}
	return c.send(req, pair)
}

// awaitIdle blocks while a refresh is in flight and returns the pair in
// effect afterwards.
func (c *Client) awaitIdle(ctx context.Context) (*sessions.TokenPair, error) {
	c.mu.Lock()
	for c.inflight != nil {
		ch := c.inflight
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	pair := c.pair
	c.mu.Unlock()
	return pair, nil
}

// send performs the request with the access token attached, retrying
// idempotent methods on network errors.
func (c *Client) send(req *http.Request, pair *sessions.TokenPair) (*http.Response, error) {
	attempts := 1
	if idempotent[req.Method] {
		attempts = c.retryAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		clone, err := replayableClone(req)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			clone.Header.Set("Authorization", pair.TokenType+" "+pair.AccessToken)
		}

		resp, err := c.http.Do(clone)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			break
		}
	}
	return nil, errors.Wrap(lastErr, "[Client.send] request failed")
}

// refresh rotates the pair whose access token was rejected. The first
// caller to observe the stale token becomes the leader and performs the
// rotation; everyone else registers on the in-flight channel before the
// rotation is triggered and shares its outcome. A caller whose token is
// already superseded returns immediately.
func (c *Client) refresh(ctx context.Context, staleAccessToken string) error {
	c.mu.Lock()

	if c.pair == nil {
		c.mu.Unlock()
		return ErrUnauthenticated
	}
	if c.pair.AccessToken != staleAccessToken {
		// Already rotated by an earlier leader.
		c.mu.Unlock()
		return nil
	}

	if c.inflight != nil {
		ch := c.inflight
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.lastRefresh
		c.mu.Unlock()
		return err
	}

	ch := make(chan struct{})
	c.inflight = ch
	refreshToken := c.pair.RefreshToken
	c.mu.Unlock()

	pair, err := c.requestRefresh(refreshToken)

	c.mu.Lock()
	switch {
	case err == nil:
		c.setPair(pair)
		c.log.Debug().Msg("token pair rotated")
	case errors.Is(err, ErrUnauthenticated):
		c.setPair(nil)
		c.log.Debug().Msg("refresh token rejected, session ended")
	default:
		// Transient: keep the pair for a later attempt.
		c.log.Debug().Err(err).Msg("refresh failed transiently")
	}
	c.lastRefresh = err
	c.inflight = nil
	close(ch)
	c.mu.Unlock()

	return err
}

// requestRefresh calls the refresh endpoint directly, outside the bearer
// path. It runs on its own bounded context so that cancelling one waiting
// caller cannot abort a rotation other callers depend on.
func (c *Client) requestRefresh(refreshToken string) (*sessions.TokenPair, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	req, err := c.NewRequest(ctx, http.MethodPost, "/sessions/refresh", map[string]string{
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var pair sessions.TokenPair
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			return nil, errors.Wrap(ErrTransient, err.Error())
		}
		return &pair, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// The server has ruled on the token itself.
		return nil, ErrUnauthenticated

	default:
		return nil, errors.Wrapf(ErrTransient, "refresh endpoint returned %d", resp.StatusCode)
	}
}

func replayableClone(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "[client.replayableClone] GetBody")
		}
		clone.Body = body
	}
	return clone, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
