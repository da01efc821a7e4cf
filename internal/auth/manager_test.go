package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/kiro-box/internal/config"
	"github.com/tingly-dev/kiro-box/internal/kiro"
)

func testConfig() *config.Config {
	return &config.Config{
		RefreshToken:          "rt-initial",
		Region:                "us-east-1",
		ProfileARN:            "arn:test",
		TokenRefreshThreshold: 600 * time.Second,
		RefreshTimeout:        5 * time.Second,
	}
}

func newRefreshServer(t *testing.T, calls *int64, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		handler(w, r)
	}))
}

func okRefresh(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	json.NewEncoder(w).Encode(map[string]string{
		"accessToken":  "at-fresh",
		"refreshToken": "rt-rotated",
		"expiresAt":    time.Now().Add(time.Hour).UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

func TestAccessTokenRefreshesWhenMissing(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, okRefresh)
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, "rt-rotated", m.snapshot().RefreshToken)
}

func TestAccessTokenConcurrentCallersSingleRefresh(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		okRefresh(w, r)
	})
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-fresh", tokens[i])
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestAccessTokenValidTokenSkipsRefresh(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, okRefresh)
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL
	m.record = &Credentials{
		AccessToken:  "at-live",
		RefreshToken: "rt-initial",
		ExpiresAt:    time.Now().Add(time.Hour),
		Region:       "us-east-1",
	}

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-live", token)
	assert.Zero(t, atomic.LoadInt64(&calls))
}

func TestAccessTokenInsideThresholdRefreshes(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, okRefresh)
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL
	m.record = &Credentials{
		AccessToken:  "at-dying",
		RefreshToken: "rt-initial",
		ExpiresAt:    time.Now().Add(30 * time.Second),
		Region:       "us-east-1",
	}

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestForceRefreshAlwaysRefreshes(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, okRefresh)
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL
	m.record = &Credentials{
		AccessToken:  "at-revoked",
		RefreshToken: "rt-initial",
		ExpiresAt:    time.Now().Add(time.Hour),
		Region:       "us-east-1",
	}

	require.NoError(t, m.ForceRefresh(context.Background()))
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, "at-fresh", m.snapshot().AccessToken)
}

func TestRefreshInvalidGrantIsTerminal(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL

	_, err = m.AccessToken(context.Background())
	var authErr *kiro.AuthError
	require.ErrorAs(t, err, &authErr)
	// Terminal failures are not retried.
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRefreshTransientFailureRetriedOnce(t *testing.T) {
	var calls int64
	srv := newRefreshServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&calls) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okRefresh(w, r)
	})
	defer srv.Close()

	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestPersistPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	seed := `{"refreshToken":"rt-initial","accessToken":"at-old","clientId":"keep-me","scopes":["a","b"],"region":"us-east-1"}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	var calls int64
	srv := newRefreshServer(t, &calls, okRefresh)
	defer srv.Close()

	cfg := testConfig()
	cfg.CredsFile = path
	m, err := NewManager(cfg)
	require.NoError(t, err)
	m.refreshURLOverride = srv.URL

	require.NoError(t, m.ForceRefresh(context.Background()))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	parsed := gjson.ParseBytes(written)
	assert.Equal(t, "at-fresh", parsed.Get("accessToken").String())
	assert.Equal(t, "rt-rotated", parsed.Get("refreshToken").String())
	assert.Equal(t, "keep-me", parsed.Get("clientId").String())
	assert.Equal(t, int64(2), parsed.Get("scopes.#").Int())
	assert.NotEmpty(t, parsed.Get("expiresAt").String())
}

func TestNewManagerRequiresSomeCredential(t *testing.T) {
	_, err := NewManager(&config.Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestHostsDeriveFromRegion(t *testing.T) {
	cfg := testConfig()
	cfg.Region = "eu-west-1"
	m, err := NewManager(cfg)
	require.NoError(t, err)

	assert.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com", m.APIHost())
	assert.Equal(t, "https://q.eu-west-1.amazonaws.com", m.QHost())
}

func TestDecorateRequest(t *testing.T) {
	m, err := NewManager(testConfig())
	require.NoError(t, err)
	m.SetVersion("1.2.3")

	req := httptest.NewRequest(http.MethodPost, "https://example.com", nil)
	m.DecorateRequest(req, "tok")

	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Contains(t, req.Header.Get("User-Agent"), "kiro-box/1.2.3")
	assert.Contains(t, req.Header.Get("User-Agent"), "md/fingerprint#")
	first := req.Header.Get("amz-sdk-invocation-id")
	assert.NotEmpty(t, first)

	m.DecorateRequest(req, "tok")
	assert.NotEqual(t, first, req.Header.Get("amz-sdk-invocation-id"))
}
