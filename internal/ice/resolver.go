package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"
)

var ErrNoServers = errors.New("credential service returned no usable ice servers")

// refreshWindow is how close to expiry a cached configuration may be before
// a resolve triggers a fresh fetch.
const refreshWindow = 15 * time.Second

// Config is a resolved ICE server set. RelayBacked is false when the
// credential service could not be reached and only the static STUN fallback
// is available. A diagnostic capability flag, never a hard error.
type Config struct {
	Servers     []webrtc.ICEServer
	RelayBacked bool
}

// urlsField accepts the wire format's "urls": either a single string or an
// array of strings.
type urlsField []string

func (u *urlsField) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

type serverEntry struct {
	URLs       urlsField `json:"urls"`
	Username   string    `json:"username,omitempty"`
	Credential string    `json:"credential,omitempty"`
}

type credentialResponse struct {
	IceServers []serverEntry `json:"iceServers"`
	TTLSeconds int64         `json:"ttlSeconds"`
}

// Resolver fetches time-limited relay credentials from an external token
// service and caches them process-wide. Concurrent resolves share a single
// in-flight fetch.
type Resolver struct {
	endpoint string
	client   *http.Client
	fallback []webrtc.ICEServer

	group singleflight.Group

	mu      sync.Mutex
	cached  *Config
	expires time.Time
}

func NewResolver(endpoint string, stunURLs []string) *Resolver {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return &Resolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		fallback: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Resolve returns the current ICE server configuration. It never fails: any
// fetch, parse or validation problem falls back to the static STUN list. The
// fallback is not cached, so the next call attempt retries the service.
func (r *Resolver) Resolve(ctx context.Context) Config {
	r.mu.Lock()
	if r.cached != nil && time.Until(r.expires) > refreshWindow {
		cfg := *r.cached
		r.mu.Unlock()
		return cfg
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("resolve", func() (any, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		log.Printf("ICE: credential fetch failed, using STUN fallback: %v", err)
		return Config{Servers: r.fallback, RelayBacked: false}
	}
	return v.(Config)
}

func (r *Resolver) fetch(ctx context.Context) (Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, nil)
	if err != nil {
		return Config{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Config{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Config{}, fmt.Errorf("credential service returned %s", resp.Status)
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Config{}, err
	}

	servers := make([]webrtc.ICEServer, 0, len(body.IceServers))
	for _, entry := range body.IceServers {
		if len(entry.URLs) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: entry.URLs}
		if entry.Username != "" {
			s.Username = entry.Username
			s.Credential = entry.Credential
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return Config{}, ErrNoServers
	}

	ttl := body.TTLSeconds - 60
	if ttl < 30 {
		ttl = 30
	}

	cfg := Config{Servers: servers, RelayBacked: true}
	r.mu.Lock()
	r.cached = &cfg
	r.expires = time.Now().Add(time.Duration(ttl) * time.Second)
	r.mu.Unlock()

	return cfg, nil
}
