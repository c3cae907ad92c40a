// Package rtc drives WebRTC offer/answer negotiation for 1:1 calls using
// Pion. It is deliberately standalone: coupling to the rest of the system is
// limited to the signal.Bus transport, the ice.Resolver and the MediaSource
// capability interface.
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/user/parley-back/internal/ice"
	"github.com/user/parley-back/internal/signal"
)

// Engine owns at most one negotiation session at a time. Starting a new
// session always closes any prior one; a handshake is started at most once
// per call id no matter how many triggers race in.
type Engine struct {
	self     uuid.UUID
	bus      signal.Bus
	resolver *ice.Resolver
	media    MediaSource

	// OnConnected and OnFailed are invoked from Pion callbacks; the
	// lifecycle controller resolves them to in-call / error.
	OnConnected func(callID int64)
	OnFailed    func(callID int64, err error)

	mu       sync.Mutex
	sess     *Session
	started  map[int64]bool
	buffered map[int64][]webrtc.ICECandidateInit
}

func NewEngine(self uuid.UUID, bus signal.Bus, resolver *ice.Resolver, media MediaSource) *Engine {
	return &Engine{
		self:     self,
		bus:      bus,
		resolver: resolver,
		media:    media,
		started:  make(map[int64]bool),
		buffered: make(map[int64][]webrtc.ICECandidateInit),
	}
}

// EnsureMedia reports whether local capture devices are usable, without
// acquiring tracks. Callers run this before persisting or signaling
// anything.
func (e *Engine) EnsureMedia() error {
	return e.media.EnsureUsable()
}

// StartCaller runs the caller handshake for an accepted call: media check,
// relay resolution, session creation, offer. The started guard makes a
// second trigger (persisted notification racing the call-accepted signal) a
// no-op.
func (e *Engine) StartCaller(ctx context.Context, callID int64, conversationID, remote uuid.UUID) error {
	sess, err := e.openSession(ctx, callID, conversationID, remote)
	if err != nil || sess == nil {
		return err
	}
	if err := sess.StartOffer(ctx); err != nil {
		e.Teardown(callID)
		return err
	}
	return nil
}

// HandleOffer runs the callee handshake for a received webrtc-offer.
func (e *Engine) HandleOffer(ctx context.Context, env signal.Envelope) error {
	sess, err := e.openSession(ctx, env.CallID, env.ConversationID, env.From)
	if err != nil || sess == nil {
		return err
	}
	if err := sess.AcceptOffer(ctx, *env.SDP); err != nil {
		e.Teardown(env.CallID)
		return err
	}
	return nil
}

// openSession performs the shared front half of both handshakes. A nil
// session with nil error means the handshake already ran for this call id.
func (e *Engine) openSession(ctx context.Context, callID int64, conversationID, remote uuid.UUID) (*Session, error) {
	e.mu.Lock()
	if e.started[callID] {
		e.mu.Unlock()
		return nil, nil
	}
	e.started[callID] = true
	prior := e.sess
	e.sess = nil
	e.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	if err := e.media.EnsureUsable(); err != nil {
		e.clearStarted(callID)
		return nil, err
	}
	media, err := e.media.Acquire(ctx)
	if err != nil {
		e.clearStarted(callID)
		return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}

	iceCfg := e.resolver.Resolve(ctx)
	if !iceCfg.RelayBacked {
		log.Printf("CALL [%d]: negotiating without relay servers", callID)
	}

	e.mu.Lock()
	buffered := e.buffered[callID]
	delete(e.buffered, callID)
	torn := !e.started[callID] // teardown raced the blocking calls above
	e.mu.Unlock()
	if torn {
		media.Close()
		return nil, nil
	}

	sess, err := newSession(sessionConfig{
		callID:         callID,
		conversationID: conversationID,
		self:           e.self,
		remote:         remote,
		bus:            e.bus,
		media:          media,
		iceServers:     iceCfg.Servers,
		buffered:       buffered,
		onConnected: func() {
			if e.OnConnected != nil {
				e.OnConnected(callID)
			}
		},
		onFailed: func(err error) {
			if e.OnFailed != nil {
				e.OnFailed(callID, err)
			}
		},
	})
	if err != nil {
		media.Close()
		e.clearStarted(callID)
		return nil, err
	}

	e.mu.Lock()
	if !e.started[callID] {
		// Torn down while the session was being assembled.
		e.mu.Unlock()
		sess.Close()
		return nil, nil
	}
	e.sess = sess
	e.mu.Unlock()
	return sess, nil
}

// HandleAnswer applies a webrtc-answer to the active session. Answers for
// other calls are ignored.
func (e *Engine) HandleAnswer(_ context.Context, env signal.Envelope) error {
	sess := e.sessionFor(env.CallID)
	if sess == nil {
		return nil
	}
	return sess.AcceptAnswer(*env.SDP)
}

// HandleCandidate routes a webrtc-ice envelope. Candidates arriving before
// the session exists (the transport gives no ordering) are buffered per call
// id and handed to the session when it opens.
func (e *Engine) HandleCandidate(_ context.Context, env signal.Envelope) error {
	sess := e.sessionFor(env.CallID)
	if sess != nil {
		sess.AddRemoteCandidate(*env.Candidate)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffered[env.CallID] = append(e.buffered[env.CallID], *env.Candidate)
	return nil
}

// ToggleMute flips local audio on the active session. Returns the new muted
// state, false when no session exists.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return false
	}
	return sess.ToggleMute()
}

// Teardown closes the session for callID if one exists, releases media and
// drops any buffered candidates. Safe from any state, including no session.
func (e *Engine) Teardown(callID int64) {
	e.mu.Lock()
	delete(e.buffered, callID)
	delete(e.started, callID)
	sess := e.sess
	if sess != nil && sess.callID == callID {
		e.sess = nil
	} else {
		sess = nil
	}
	e.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// Close tears down whatever session is active.
func (e *Engine) Close() {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.started = make(map[int64]bool)
	e.buffered = make(map[int64][]webrtc.ICECandidateInit)
	e.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (e *Engine) sessionFor(callID int64) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && e.sess.callID == callID {
		return e.sess
	}
	return nil
}

func (e *Engine) clearStarted(callID int64) {
	e.mu.Lock()
	delete(e.started, callID)
	e.mu.Unlock()
}
