package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownKind    = errors.New("unknown signal kind")
	ErrInvalidPayload = errors.New("invalid signal payload")
)

// Kind discriminates the five envelope variants carried over a call topic.
type Kind string

const (
	KindCallAccepted Kind = "call-accepted"
	KindOffer        Kind = "webrtc-offer"
	KindAnswer       Kind = "webrtc-answer"
	KindICE          Kind = "webrtc-ice"
	KindCallEnded    Kind = "call-ended"
)

// Envelope is one best-effort signaling message. Delivery is at-most-once
// and unordered across senders; receivers must tolerate duplicates and
// envelopes addressed to someone else.
type Envelope struct {
	Kind           Kind                       `json:"kind"`
	CallID         int64                      `json:"call_id"`
	From           uuid.UUID                  `json:"from"`
	To             *uuid.UUID                 `json:"to,omitempty"` // nil = broadcast
	ConversationID uuid.UUID                  `json:"conversation_id"`
	SDP            *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate      *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Validate checks the kind-specific payload shape. Dispatch on Kind is
// exhaustive: an unlisted kind is an error, not a silent pass.
func (e *Envelope) Validate() error {
	if e.CallID == 0 {
		return fmt.Errorf("%w: missing call_id", ErrInvalidPayload)
	}
	if e.From == uuid.Nil {
		return fmt.Errorf("%w: missing sender", ErrInvalidPayload)
	}
	switch e.Kind {
	case KindOffer:
		if e.SDP == nil || e.SDP.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("%w: %s requires an offer description", ErrInvalidPayload, e.Kind)
		}
	case KindAnswer:
		if e.SDP == nil || e.SDP.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%w: %s requires an answer description", ErrInvalidPayload, e.Kind)
		}
	case KindICE:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: %s requires a candidate", ErrInvalidPayload, e.Kind)
		}
	case KindCallAccepted, KindCallEnded:
		if e.SDP != nil || e.Candidate != nil {
			return fmt.Errorf("%w: %s carries no media payload", ErrInvalidPayload, e.Kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// AddressedTo reports whether the envelope concerns the given party:
// either broadcast or explicitly targeted at them.
func (e *Envelope) AddressedTo(id uuid.UUID) bool {
	return e.To == nil || *e.To == id
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
