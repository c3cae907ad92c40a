package ice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func credentialService(t *testing.T, hits *atomic.Int64, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveCachesCredentials(t *testing.T) {
	var hits atomic.Int64
	srv := credentialService(t, &hits, `{
		"iceServers": [{"urls": ["turn:relay.example.com:3478"], "username": "123:u", "credential": "secret"}],
		"ttlSeconds": 600
	}`)

	r := NewResolver(srv.URL, nil)

	cfg := r.Resolve(context.Background())
	if !cfg.RelayBacked {
		t.Fatal("first resolve should be relay backed")
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Username != "123:u" {
		t.Fatalf("servers = %+v", cfg.Servers)
	}

	// Second resolve within the TTL must come from cache.
	cfg = r.Resolve(context.Background())
	if !cfg.RelayBacked {
		t.Fatal("cached resolve should be relay backed")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("service hit %d times, want 1", got)
	}
}

func TestResolveFallsBackOnServiceError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, []string{"stun:stun.example.com"})

	cfg := r.Resolve(context.Background())
	if cfg.RelayBacked {
		t.Fatal("failed fetch must not claim relay backing")
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].URLs[0] != "stun:stun.example.com" {
		t.Fatalf("servers = %+v, want stun fallback", cfg.Servers)
	}

	// Fallback is not cached: the next resolve retries the service.
	r.Resolve(context.Background())
	if got := hits.Load(); got != 2 {
		t.Fatalf("service hit %d times, want 2", got)
	}
}

func TestResolveFallsBackWhenUnreachable(t *testing.T) {
	r := NewResolver("http://127.0.0.1:1/ice", nil)
	cfg := r.Resolve(context.Background())
	if cfg.RelayBacked {
		t.Fatal("unreachable service must not claim relay backing")
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("servers = %+v, want default stun", cfg.Servers)
	}
}

func TestResolveRejectsEmptyServerList(t *testing.T) {
	var hits atomic.Int64
	srv := credentialService(t, &hits, `{"iceServers": [{"urls": []}], "ttlSeconds": 600}`)

	r := NewResolver(srv.URL, []string{"stun:s.example.com"})
	cfg := r.Resolve(context.Background())
	if cfg.RelayBacked {
		t.Fatal("empty server list must fall back")
	}
}

func TestUrlsFieldAcceptsStringOrArray(t *testing.T) {
	var entry serverEntry
	if err := json.Unmarshal([]byte(`{"urls": "stun:one"}`), &entry); err != nil {
		t.Fatal(err)
	}
	if len(entry.URLs) != 1 || entry.URLs[0] != "stun:one" {
		t.Fatalf("urls = %v", entry.URLs)
	}

	if err := json.Unmarshal([]byte(`{"urls": ["stun:one", "turn:two"]}`), &entry); err != nil {
		t.Fatal(err)
	}
	if len(entry.URLs) != 2 || entry.URLs[1] != "turn:two" {
		t.Fatalf("urls = %v", entry.URLs)
	}

	if err := json.Unmarshal([]byte(`{"urls": 5}`), &entry); err == nil {
		t.Fatal("numeric urls must fail")
	}
}
