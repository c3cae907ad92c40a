package calls

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestTurnCredentials(t *testing.T) {
	svc := NewTurnService(TurnConfig{
		Secret: "north-remembers",
		Realm:  "parley",
		URLs:   []string{"turn:turn.example.com:3478?transport=udp"},
		TTL:    10 * time.Minute,
	})
	if !svc.Enabled() {
		t.Fatal("service with secret and urls should be enabled")
	}

	creds := svc.Credentials("42a6c6a1-0000-0000-0000-000000000000")
	if creds.TTLSeconds != 600 {
		t.Fatalf("ttlSeconds = %d, want 600", creds.TTLSeconds)
	}
	if len(creds.IceServers) != 1 {
		t.Fatalf("iceServers = %d entries, want 1", len(creds.IceServers))
	}

	srv := creds.IceServers[0]
	expiryStr, user, ok := strings.Cut(srv.Username, ":")
	if !ok || user != "42a6c6a1-0000-0000-0000-000000000000" {
		t.Fatalf("username = %q, want expiry:user", srv.Username)
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		t.Fatalf("expiry not numeric: %v", err)
	}
	if until := time.Until(time.Unix(expiry, 0)); until < 9*time.Minute || until > 11*time.Minute {
		t.Fatalf("expiry %s away, want about 10m", until)
	}

	// The relay recomputes the credential exactly like this.
	mac := hmac.New(sha1.New, []byte("north-remembers"))
	mac.Write([]byte(srv.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); srv.Credential != want {
		t.Fatalf("credential = %q, want %q", srv.Credential, want)
	}
}

func TestTurnIncludesStunEntry(t *testing.T) {
	svc := NewTurnService(TurnConfig{
		Secret:   "s",
		URLs:     []string{"turn:turn.example.com:3478"},
		StunURLs: []string{"stun:stun.l.google.com:19302"},
	})
	creds := svc.Credentials("u")
	if len(creds.IceServers) != 2 {
		t.Fatalf("iceServers = %d entries, want 2", len(creds.IceServers))
	}
	stun := creds.IceServers[1]
	if stun.Username != "" || stun.Credential != "" {
		t.Fatalf("stun entry must be credential-less, got %+v", stun)
	}
}

func TestTurnDisabledWithoutSecret(t *testing.T) {
	if NewTurnService(TurnConfig{URLs: []string{"turn:x"}}).Enabled() {
		t.Fatal("no secret must disable the service")
	}
	if NewTurnService(TurnConfig{Secret: "s"}).Enabled() {
		t.Fatal("no urls must disable the service")
	}
}
