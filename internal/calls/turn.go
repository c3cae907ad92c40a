package calls

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

type TurnConfig struct {
	// Shared secret, must match the relay's static-auth-secret
	Secret string
	Realm  string
	// Relay URLs handed to clients, e.g. "turn:turn.example.com:3478"
	URLs []string
	// Credential-less STUN URLs included alongside the relay entry
	StunURLs []string
	TTL      time.Duration
}

// TurnService mints short-lived relay credentials using the TURN REST API
// scheme: the username is "expiry:user" and the password is the
// base64-encoded HMAC-SHA1 of that username under the shared secret. The
// relay verifies them without any coordination with this service.
type TurnService struct {
	config TurnConfig
}

// IceServer is one entry of the credential response, shaped like the
// RTCIceServer dictionary.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type IceCredentials struct {
	IceServers []IceServer `json:"iceServers"`
	TTLSeconds int         `json:"ttlSeconds"`
}

func NewTurnService(config TurnConfig) *TurnService {
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	return &TurnService{config: config}
}

// Enabled reports whether relay credentials can be minted at all. Without a
// secret and URLs the endpoint serves nothing and clients fall back to
// STUN.
func (s *TurnService) Enabled() bool {
	return s.config.Secret != "" && len(s.config.URLs) > 0
}

// Credentials mints a credential set for the user, valid for the
// configured TTL.
func (s *TurnService) Credentials(userID string) IceCredentials {
	expiry := time.Now().Add(s.config.TTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha1.New, []byte(s.config.Secret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	servers := []IceServer{{
		URLs:       s.config.URLs,
		Username:   username,
		Credential: credential,
	}}
	if len(s.config.StunURLs) > 0 {
		servers = append(servers, IceServer{URLs: s.config.StunURLs})
	}
	return IceCredentials{
		IceServers: servers,
		TTLSeconds: int(s.config.TTL / time.Second),
	}
}

// CacheTTL is how long a minted credential set may be reused: half its
// validity, so a cached set always has time left for the handshake.
func (c IceCredentials) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second / 2
}

func (s *TurnService) Realm() string {
	return s.config.Realm
}
