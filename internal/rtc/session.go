package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/user/parley-back/internal/signal"
)

var ErrSessionClosed = errors.New("call session closed")

// Session owns one peer connection for one call. All signaling it emits goes
// through the Bus; all remote descriptions and candidates are fed in by the
// engine. Candidates that arrive before the remote description are queued
// and flushed, in arrival order, the moment it is set.
type Session struct {
	callID         int64
	conversationID uuid.UUID
	self           uuid.UUID
	remote         uuid.UUID

	bus   signal.Bus
	topic string
	pc    *webrtc.PeerConnection
	media *LocalMedia

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	closed    bool
}

type sessionConfig struct {
	callID         int64
	conversationID uuid.UUID
	self           uuid.UUID
	remote         uuid.UUID
	bus            signal.Bus
	media          *LocalMedia
	iceServers     []webrtc.ICEServer
	buffered       []webrtc.ICECandidateInit

	onConnected func()
	onFailed    func(error)
}

func newSession(cfg sessionConfig) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		callID:         cfg.callID,
		conversationID: cfg.conversationID,
		self:           cfg.self,
		remote:         cfg.remote,
		bus:            cfg.bus,
		topic:          signal.CallTopic(cfg.conversationID.String()),
		pc:             pc,
		media:          cfg.media,
		pending:        append([]webrtc.ICECandidateInit(nil), cfg.buffered...),
	}

	if _, err := pc.AddTrack(cfg.media.Audio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}
	if _, err := pc.AddTrack(cfg.media.Video); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		env := signal.Envelope{
			Kind:           signal.KindICE,
			CallID:         s.callID,
			From:           s.self,
			To:             &s.remote,
			ConversationID: s.conversationID,
			Candidate:      &init,
		}
		if err := s.bus.Publish(context.Background(), s.topic, env); err != nil {
			log.Printf("CALL [%d]: failed to publish candidate: %v", s.callID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%d]: connection state %s", s.callID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cfg.onConnected != nil {
				cfg.onConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if cfg.onFailed != nil {
				cfg.onFailed(errors.New("peer connection failed; relay servers may be unavailable"))
			}
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed && cfg.onFailed != nil {
			cfg.onFailed(errors.New("ice negotiation failed; relay servers may be unavailable"))
		}
	})

	return s, nil
}

// StartOffer runs the caller side of the handshake: generate an offer, set
// it locally, publish it to the callee.
func (s *Session) StartOffer(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return s.bus.Publish(ctx, s.topic, signal.Envelope{
		Kind:           signal.KindOffer,
		CallID:         s.callID,
		From:           s.self,
		To:             &s.remote,
		ConversationID: s.conversationID,
		SDP:            s.pc.LocalDescription(),
	})
}

// AcceptOffer runs the callee side: apply the remote offer, flush any
// queued candidates, answer, publish the answer back to the caller.
func (s *Session) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	s.flushPending()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return s.bus.Publish(ctx, s.topic, signal.Envelope{
		Kind:           signal.KindAnswer,
		CallID:         s.callID,
		From:           s.self,
		To:             &s.remote,
		ConversationID: s.conversationID,
		SDP:            s.pc.LocalDescription(),
	})
}

// AcceptAnswer applies the callee's answer on the caller side.
func (s *Session) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	s.flushPending()
	return nil
}

// AddRemoteCandidate applies a candidate immediately when the remote
// description is set, otherwise queues it. A bad candidate is logged and
// dropped; it never aborts the session.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%d]: ignoring bad candidate: %v", s.callID, err)
	}
}

// flushPending drains the queue in arrival order once a remote description
// exists. Individual failures are logged and skipped.
func (s *Session) flushPending() {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%d]: ignoring bad queued candidate: %v", s.callID, err)
		}
	}
}

// PendingCount reports how many candidates are waiting for the remote
// description.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ToggleMute flips the local audio track. Returns the new muted state.
func (s *Session) ToggleMute() bool {
	return s.media.ToggleAudio()
}

// Close tears the session down: closes the peer connection, stops local
// tracks and discards queued candidates. Safe to call from any state, any
// number of times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		log.Printf("CALL [%d]: peer connection close: %v", s.callID, err)
	}
	s.media.Close()
}
