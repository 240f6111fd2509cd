package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bearerworks/go-session-service/client"
	"github.com/bearerworks/go-session-service/server"
	"github.com/bearerworks/go-session-service/sessions"
	"github.com/bearerworks/go-session-service/sessions/storefakes"
	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users"
	"github.com/bearerworks/go-session-service/users/dirfake"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "johndoe"
	testPassword = "password123"
)

// clientFixture runs the real service behind httptest and points a client
// at it. The shared clock drives token expiry from the tests.
type clientFixture struct {
	now          time.Time
	dir          *dirfake.FakeDirectory
	store        *storefakes.FakeSessionStore
	refreshCalls atomic.Int32
	client       *client.Client
}

func setupClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	f := &clientFixture{
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		dir:   dirfake.NewFakeDirectory(),
		store: storefakes.NewFakeSessionStore(),
	}
	nowFunc := func() time.Time { return f.now }

	codec, err := token.NewCodec(token.NewHMACSigner("1234"), "com.testissuer", "api", token.WithNowFunc(nowFunc))
	require.NoError(t, err)

	manager, err := sessions.NewManager(f.store, f.dir, codec, sessions.DefaultPolicy(), sessions.WithNowFunc(nowFunc))
	require.NoError(t, err)

	srv, err := server.New(zerolog.Nop(), manager, f.dir, codec)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions/refresh" {
			f.refreshCalls.Add(1)
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	f.dir.AddUser(&users.User{
		ID:            "user-42",
		Username:      testUsername,
		SecurityStamp: "stamp-1",
	}, testPassword)
	f.dir.SetRoles("user-42", users.RoleMember)

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	f.client = c
	return f
}

func (f *clientFixture) me(ctx context.Context, t *testing.T) (*http.Response, error) {
	t.Helper()
	req, err := f.client.NewRequest(ctx, http.MethodGet, "/me", nil)
	require.NoError(t, err)
	return f.client.Do(req)
}

func TestSignInAndAuthenticatedRequest(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))
	require.NotNil(t, f.client.Token())

	resp, err := f.me(ctx, t)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpiredTokenIsRefreshedTransparently(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))
	before := f.client.Token()

	f.now = f.now.Add(16 * time.Minute)

	resp, err := f.me(ctx, t)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, int32(1), f.refreshCalls.Load())
	require.NotEqual(t, before.AccessToken, f.client.Token().AccessToken)
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))
	f.now = f.now.Add(16 * time.Minute)

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.me(ctx, t)
			if err != nil {
				results <- -1
				return
			}
			defer resp.Body.Close()
			results <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(results)

	for status := range results {
		require.Equal(t, http.StatusOK, status)
	}
	require.Equal(t, int32(1), f.refreshCalls.Load(), "all callers must share one refresh")
}

func TestDefinitiveRefreshFailureEndsSession(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))

	// Past the refresh lifetime both tokens are dead; the refresh endpoint
	// answers 400, which is the definitive signal.
	f.now = f.now.Add(8 * 24 * time.Hour)

	_, err := f.me(ctx, t)
	require.ErrorIs(t, err, client.ErrUnauthenticated)
	require.Nil(t, f.client.Token())
}

func TestTransientRefreshFailureKeepsPair(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"at-1","refreshToken":"rt-1","tokenType":"Bearer"}`))
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /sessions/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.SignIn(ctx, testUsername, testPassword))

	req, err := c.NewRequest(ctx, http.MethodGet, "/me", nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.ErrorIs(t, err, client.ErrTransient)
	require.NotNil(t, c.Token(), "a transient failure must not drop the pair")
}

// flakyTransport fails the first N requests matching the method, then
// delegates.
type flakyTransport struct {
	method   string
	failures int32
	calls    atomic.Int32
}

func (ft *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == ft.method && ft.calls.Add(1) <= ft.failures {
		return nil, errors.New("connection reset")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestIdempotentRequestsRetryNetworkErrors(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))

	ft := &flakyTransport{method: http.MethodGet, failures: 2}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, err := client.New(ts.URL,
		client.WithHTTPClient(&http.Client{Transport: ft}),
		client.WithRetryAttempts(3))
	require.NoError(t, err)

	req, err := c.NewRequest(ctx, http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), ft.calls.Load())
}

func TestNonIdempotentRequestsAreNotRetried(t *testing.T) {
	ft := &flakyTransport{method: http.MethodPost, failures: 1}
	c, err := client.New("http://localhost:1",
		client.WithHTTPClient(&http.Client{Transport: ft}),
		client.WithRetryAttempts(3))
	require.NoError(t, err)

	req, err := c.NewRequest(context.Background(), http.MethodPost, "/things", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = c.Do(req)
	require.Error(t, err)
	require.Equal(t, int32(1), ft.calls.Load(), "POST must not be retried on network errors")
}

func TestWaiterCancellationDoesNotAbortRefresh(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"at-1","refreshToken":"rt-1","tokenType":"Bearer"}`))
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /sessions/refresh", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	require.NoError(t, c.SignIn(context.Background(), testUsername, testPassword))

	leaderDone := make(chan error, 1)
	go func() {
		req, err := c.NewRequest(context.Background(), http.MethodGet, "/me", nil)
		if err != nil {
			leaderDone <- err
			return
		}
		_, err = c.Do(req)
		leaderDone <- err
	}()

	<-entered

	// A second caller gives up while the leader's refresh is still running.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := c.NewRequest(ctx, http.MethodGet, "/me", nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.ErrorIs(t, err, context.Canceled)

	// The refresh itself continues and settles on its own.
	close(release)
	require.ErrorIs(t, <-leaderDone, client.ErrTransient)
	require.NotNil(t, c.Token())
}

func TestSubscribeTracksPairLifecycle(t *testing.T) {
	f := setupClientFixture(t)
	ctx := context.Background()

	updates := f.client.Subscribe()
	require.Nil(t, <-updates)

	require.NoError(t, f.client.SignIn(ctx, testUsername, testPassword))
	pair := <-updates
	require.NotNil(t, pair)
	require.Equal(t, sessions.TokenTypeBearer, pair.TokenType)

	require.NoError(t, f.client.SignOut(ctx))
	require.Nil(t, <-updates)
}
