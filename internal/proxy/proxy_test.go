package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/store"
)

type fakeTokenStore struct {
	tokens map[string]string // token -> agent slug
}

func (f *fakeTokenStore) ValidateProxyToken(_ context.Context, token string) (string, error) {
	return f.tokens[token], nil
}

type fakeAccountStore struct {
	accounts map[string]*store.ConnectedAccount // "slug/accountID" -> account
}

func (f *fakeAccountStore) GetMappedAccount(_ context.Context, agentSlug, accountID string) (*store.ConnectedAccount, error) {
	if acct, ok := f.accounts[agentSlug+"/"+accountID]; ok {
		return acct, nil
	}
	return nil, apperr.NotFoundMsg("Account not found or not mapped to this agent")
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (f *fakeAuditStore) AppendAudit(_ context.Context, entry *store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditStore) all() []*store.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.AuditEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakeFetcher struct {
	calls int64
	token string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (string, time.Time, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.token, time.Now().Add(time.Hour), nil
}

func newTestProxy(t *testing.T, upstreamHost string, audit *fakeAuditStore) (*Proxy, *fakeFetcher) {
	t.Helper()

	tokens := &fakeTokenStore{tokens: map[string]string{
		"tok-a1": "a1",
		"tok-a2": "a2",
	}}
	accounts := &fakeAccountStore{accounts: map[string]*store.ConnectedAccount{
		"a1/acct1": {
			ID:                   "acct1",
			ToolkitSlug:          "gmail",
			ComposioConnectionID: "conn-1",
		},
	}}
	fetcher := &fakeFetcher{token: "real-upstream-token"}

	cfg := config.ProxyConfig{
		UpstreamTimeout: 5,
		Allowlist: map[string][]string{
			"gmail": {upstreamHost},
		},
	}

	p := New(cfg, tokens, accounts, audit, fetcher, logger.Default())
	p.scheme = "http"
	t.Cleanup(p.Close)
	return p, fetcher
}

func waitForAudit(t *testing.T, audit *fakeAuditStore, want int) []*store.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := audit.all(); len(entries) >= want {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d audit entries, got %d", want, len(audit.all()))
	return nil
}

func TestProxyHappyPath(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	host := hostOf(t, upstream.URL)

	audit := &fakeAuditStore{}
	p, _ := newTestProxy(t, host, audit)

	req := httptest.NewRequest(http.MethodGet, "/proxy/a1/acct1/"+host+"/gmail/v1/users/me/profile", nil)
	req.Header.Set("Authorization", "Bearer tok-a1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer real-upstream-token", gotAuth)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	entries := waitForAudit(t, audit, 1)
	entry := entries[0]
	assert.Equal(t, "a1", entry.AgentSlug)
	assert.Equal(t, "acct1", entry.AccountID)
	assert.Equal(t, "gmail", entry.Toolkit)
	assert.Equal(t, host, entry.TargetHost)
	assert.Equal(t, "/gmail/v1/users/me/profile", entry.TargetPath)
	assert.Equal(t, http.MethodGet, entry.Method)
	require.NotNil(t, entry.StatusCode)
	assert.Equal(t, http.StatusOK, *entry.StatusCode)
}

func TestProxyMissingBearer(t *testing.T) {
	audit := &fakeAuditStore{}
	p, _ := newTestProxy(t, "gmail.googleapis.com", audit)

	req := httptest.NewRequest(http.MethodGet, "/proxy/a1/acct1/gmail.googleapis.com/v1/x", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyCrossAgentTokenRefused(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))
	defer upstream.Close()
	host := hostOf(t, upstream.URL)

	audit := &fakeAuditStore{}
	p, _ := newTestProxy(t, host, audit)

	req := httptest.NewRequest(http.MethodGet, "/proxy/a1/acct1/"+host+"/v1/x", nil)
	req.Header.Set("Authorization", "Bearer tok-a2")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, upstreamCalled)

	entries := waitForAudit(t, audit, 1)
	assert.Contains(t, entries[0].ErrorMessage, "not bound")
	assert.Nil(t, entries[0].StatusCode)
}

func TestProxyUnmappedAccount(t *testing.T) {
	audit := &fakeAuditStore{}
	p, _ := newTestProxy(t, "gmail.googleapis.com", audit)

	req := httptest.NewRequest(http.MethodGet, "/proxy/a1/other-acct/gmail.googleapis.com/v1/x", nil)
	req.Header.Set("Authorization", "Bearer tok-a1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not mapped")
}

func TestProxyDisallowedHost(t *testing.T) {
	audit := &fakeAuditStore{}
	p, fetcher := newTestProxy(t, "gmail.googleapis.com", audit)

	req := httptest.NewRequest(http.MethodGet, "/proxy/a1/acct1/example.com/v1/x", nil)
	req.Header.Set("Authorization", "Bearer tok-a1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	// No token fetch happens for refused hosts.
	assert.Zero(t, atomic.LoadInt64(&fetcher.calls))

	entries := waitForAudit(t, audit, 1)
	assert.Contains(t, entries[0].ErrorMessage, "not allowed")
}

func TestProxyUpstreamErrorForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()
	host := hostOf(t, upstream.URL)

	audit := &fakeAuditStore{}
	p, _ := newTestProxy(t, host, audit)

	req := httptest.NewRequest(http.MethodPost, "/proxy/a1/acct1/"+host+"/v1/x", strings.NewReader(`{"a":1}`))
	req.Header.Set("Authorization", "Bearer tok-a1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	// Upstream 5xx is forwarded as-is, and the audit records the status.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	entries := waitForAudit(t, audit, 1)
	require.NotNil(t, entries[0].StatusCode)
	assert.Equal(t, http.StatusBadGateway, *entries[0].StatusCode)
}

func TestTokenCacheSingleFetchPerWindow(t *testing.T) {
	fetcher := &fakeFetcher{token: "tok"}
	cache := newTokenCache(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.get(context.Background(), "conn-x")
			assert.NoError(t, err)
			assert.Equal(t, "tok", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls))

	// Within the TTL window a fresh call still hits the cache.
	_, err := cache.get(context.Background(), "conn-x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls))

	cache.evict("conn-x")
	_, err = cache.get(context.Background(), "conn-x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetcher.calls))
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}
