package prodauth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen test server: %v", err)
	}

	server := httptest.NewUnstartedServer(handler)
	server.Listener = l
	server.Start()
	return server
}

// tokenServer is an identity provider stub that issues "<client_id>-token-<n>".
type tokenServer struct {
	*httptest.Server
	calls     atomic.Int32
	expiresIn int64
	status    atomic.Int32

	mu       sync.Mutex
	requests []tokenRequest
}

func newTokenServer(t *testing.T, expiresIn int64) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: expiresIn}
	ts.status.Store(http.StatusOK)
	ts.Server = newHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)
		var req tokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		ts.mu.Lock()
		ts.requests = append(ts.requests, req)
		ts.mu.Unlock()

		if status := int(ts.status.Load()); status != http.StatusOK {
			http.Error(w, `{"error":"invalid_client"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": req.ClientID + "-token-" + strconv.Itoa(int(n)),
			"expires_in":   ts.expiresIn,
			"token_type":   "Bearer",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastRequest() tokenRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		return tokenRequest{}
	}
	return ts.requests[len(ts.requests)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubTransport answers token exchanges in memory and counts them per client.
type stubTransport struct {
	total atomic.Int32
	fetch func(ctx context.Context, cred Credential) (*TokenResponse, error)

	mu    sync.Mutex
	calls map[string]int
}

func newStubTransport(fetch func(ctx context.Context, cred Credential) (*TokenResponse, error)) *stubTransport {
	return &stubTransport{fetch: fetch, calls: make(map[string]int)}
}

func (s *stubTransport) FetchToken(ctx context.Context, cred Credential) (*TokenResponse, error) {
	s.total.Add(1)
	s.mu.Lock()
	s.calls[cred.ClientID]++
	n := s.calls[cred.ClientID]
	s.mu.Unlock()
	if s.fetch != nil {
		return s.fetch(ctx, cred)
	}
	return &TokenResponse{AccessToken: cred.ClientID + "-token-" + strconv.Itoa(n), ExpiresIn: 3600}, nil
}

func (s *stubTransport) Calls(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[clientID]
}

func testCredential(product Product) Credential {
	return Credential{
		ClientID:     string(product) + "-client",
		ClientSecret: string(product) + "-secret",
		Audience:     product.DefaultAudience(),
		AuthURL:      "https://login.example.com/oauth/token",
	}
}

func newTestCache(t *testing.T, transport TokenTransport, clock *fakeClock, buffer time.Duration, products ...Product) *TokenCache {
	t.Helper()
	registry := NewCredentialRegistry()
	for _, p := range products {
		if err := registry.AddProduct(p, testCredential(p)); err != nil {
			t.Fatalf("add product %s: %v", p, err)
		}
	}
	cache, err := NewTokenCache(TokenCacheOptions{
		Registry:      registry,
		Transport:     transport,
		RefreshBuffer: buffer,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new token cache: %v", err)
	}
	return cache
}
