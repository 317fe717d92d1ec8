package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenCache_LogsInWithPassword(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode login request: %v", err)
		}
		if req.Type != "m.login.password" {
			t.Errorf("type: got %q, want %q", req.Type, "m.login.password")
		}
		if req.Identifier.Type != "m.id.user" || req.Identifier.User != "@bot:example.org" {
			t.Errorf("identifier: got %+v", req.Identifier)
		}
		if req.Password != "hunter2" {
			t.Errorf("password: got %q, want %q", req.Password, "hunter2")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{AccessToken: "login-token", UserID: "@bot:example.org"})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "hunter2", "", server.Client())

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "login-token" {
		t.Errorf("token: got %q, want %q", token, "login-token")
	}
}

func TestTokenCache_UsesConfiguredToken(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "", "static-token", server.Client())

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "static-token" {
		t.Errorf("token: got %q, want %q", token, "static-token")
	}
	if callCount.Load() != 0 {
		t.Errorf("server call count: got %d, want 0", callCount.Load())
	}
	if tc.CanRefresh() {
		t.Error("CanRefresh: got true without a password")
	}
}

func TestTokenCache_CachesToken(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{AccessToken: "cached-token"})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "pw", "", server.Client())

	// First call should hit the server
	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}

	// Second call should use cache
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if token != "cached-token" {
		t.Errorf("token: got %q, want %q", token, "cached-token")
	}

	if callCount.Load() != 1 {
		t.Errorf("server call count: got %d, want 1 (token should be cached)", callCount.Load())
	}
}

func TestTokenCache_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{
			AccessToken: "token-" + string(rune('0'+count)),
			ExpiresInMs: 1000, // Expires almost immediately (minus 30s buffer = already expired)
		})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "pw", "", server.Client())

	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token: got %q, want %q", token, "token-2")
	}
	if callCount.Load() != 2 {
		t.Errorf("server call count: got %d, want 2 (expired token should trigger login)", callCount.Load())
	}
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{AccessToken: "force-token-" + string(rune('0'+count))})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "pw", "configured-token", server.Client())

	token, err := tc.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("force refresh error: %v", err)
	}
	if token != "force-token-1" {
		t.Errorf("token: got %q, want %q", token, "force-token-1")
	}
	if callCount.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", callCount.Load())
	}
}

func TestTokenCache_ForceRefreshWithoutPassword(t *testing.T) {
	t.Parallel()

	tc := newTokenCache("http://127.0.0.1:0", "@bot:example.org", "", "configured-token", http.DefaultClient)

	if _, err := tc.ForceRefresh(context.Background()); !errors.Is(err, errNoCredentials) {
		t.Errorf("ForceRefresh: got err %v, want errNoCredentials", err)
	}
}

func TestTokenCache_NoCredentials(t *testing.T) {
	t.Parallel()

	tc := newTokenCache("http://127.0.0.1:0", "@bot:example.org", "", "", http.DefaultClient)

	if _, err := tc.Token(context.Background()); !errors.Is(err, errNoCredentials) {
		t.Errorf("Token: got err %v, want errNoCredentials", err)
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		// Simulate some latency
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{AccessToken: "concurrent-token"})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "pw", "", server.Client())

	var wg sync.WaitGroup
	const goroutines = 10
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tokens[idx], errs[idx] = tc.Token(context.Background())
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d error: %v", i, err)
		}
	}
	for i, token := range tokens {
		if token != "concurrent-token" {
			t.Errorf("goroutine %d token: got %q, want %q", i, token, "concurrent-token")
		}
	}
	if callCount.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", callCount.Load())
	}
}

func TestTokenCache_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "wrong", "", server.Client())

	if _, err := tc.Token(context.Background()); err == nil {
		t.Error("expected error for rejected login, got nil")
	}
}

func TestTokenCache_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{UserID: "@bot:example.org"})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "@bot:example.org", "pw", "", server.Client())

	if _, err := tc.Token(context.Background()); err == nil {
		t.Error("expected error for empty access token, got nil")
	}
}
