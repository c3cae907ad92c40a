// Package lifecycle owns the client-side call state machine. Persisted call
// request records are the ground truth; broadcast signals only accelerate
// what a change notification will eventually confirm. Every transition is
// idempotent so duplicated or reordered events settle on the same state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/signal"
)

var (
	ErrCallInProgress    = errors.New("a call already exists for this conversation")
	ErrNoCall            = errors.New("no call in progress")
	ErrInvalidTransition = errors.New("call is no longer in a state that permits this")
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateInCall     State = "in-call"
	StateError      State = "error"
)

// connectStallAfter is how long a call may sit in connecting before the
// controller surfaces a diagnostic. The connection may still succeed, so the
// state is left alone.
const connectStallAfter = 12 * time.Second

// View is the read-only projection of the call the controller is currently
// tracking, rebuilt on every record notification or signal.
type View struct {
	ID             int64
	ConversationID uuid.UUID
	RequesterID    uuid.UUID
	AcceptedBy     *uuid.UUID
	Status         models.CallStatus
}

func viewOf(rec *models.CallRequest) *View {
	return &View{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		RequesterID:    rec.RequesterID,
		AcceptedBy:     rec.AcceptedBy,
		Status:         rec.Status,
	}
}

// CallStore is the persisted call-request record, as seen by the client
// core. Every mutation is transition-guarded server-side: a call that is no
// longer in the required source status yields ErrInvalidTransition and no
// write.
type CallStore interface {
	Create(ctx context.Context, conversationID, requester uuid.UUID) (*models.CallRequest, error)
	Accept(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error)
	Reject(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error)
	Cancel(ctx context.Context, id int64, requester uuid.UUID) (*models.CallRequest, error)
	End(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error)
}

// Negotiator drives the media handshake for the controller. The rtc.Engine
// is the production implementation.
type Negotiator interface {
	EnsureMedia() error
	StartCaller(ctx context.Context, callID int64, conversationID, remote uuid.UUID) error
	HandleOffer(ctx context.Context, env signal.Envelope) error
	HandleAnswer(ctx context.Context, env signal.Envelope) error
	HandleCandidate(ctx context.Context, env signal.Envelope) error
	ToggleMute() bool
	Teardown(callID int64)
}

// Controller is the sole authority for local call state. All handlers run
// behind one mutex; anything that blocks (store, bus, negotiator) happens
// outside it, and state is re-checked afterwards because another event may
// have ended the call in the meantime.
type Controller struct {
	self  uuid.UUID
	store CallStore
	bus   signal.Bus
	neg   Negotiator

	// OnStateChange fires after every transition; OnDiagnostic carries
	// non-fatal messages such as the connecting stall. Both may be nil.
	OnStateChange func(State, *View)
	OnDiagnostic  func(string)

	mu        sync.Mutex
	state     State
	view      *View
	lastErr   string
	stall     *time.Timer
	subCancel func()
}

func NewController(self uuid.UUID, store CallStore, bus signal.Bus, neg Negotiator) *Controller {
	return &Controller{
		self:  self,
		store: store,
		bus:   bus,
		neg:   neg,
		state: StateIdle,
	}
}

// Snapshot returns the current state and a copy of the tracked view.
func (c *Controller) Snapshot() (State, *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.cloneViewLocked()
}

// LastError returns the user-facing message for the error state.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PendingOutgoing, Incoming and Active expose the per-conversation views.
// At most one of them is non-nil at any time: they are all projections of
// the single tracked call, selected by state.
func (c *Controller) PendingOutgoing() *View { return c.viewWhen(StateRequesting) }
func (c *Controller) Incoming() *View        { return c.viewWhen(StateRinging) }
func (c *Controller) Active() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting || c.state == StateInCall || c.state == StateError {
		return c.cloneViewLocked()
	}
	return nil
}

func (c *Controller) viewWhen(s State) *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		return nil
	}
	return c.cloneViewLocked()
}

func (c *Controller) cloneViewLocked() *View {
	if c.view == nil {
		return nil
	}
	v := *c.view
	return &v
}

// RequestCall inserts a pending call request for the conversation and moves
// to requesting. The media capability check runs first so an unusable device
// aborts before anything is persisted or signaled. A conversation with an
// unresolved call is rejected locally.
func (c *Controller) RequestCall(ctx context.Context, conversationID uuid.UUID) (*View, error) {
	if err := c.neg.EnsureMedia(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	// Reserve the machine before the store round-trip so a concurrent
	// intent cannot double-insert.
	c.state = StateRequesting
	c.mu.Unlock()

	rec, err := c.store.Create(ctx, conversationID, c.self)
	if err != nil {
		c.mu.Lock()
		if c.state == StateRequesting && c.view == nil {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.view = viewOf(rec)
	c.subscribeLocked(conversationID)
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateRequesting, view)
	return view, nil
}

// Accept transitions an incoming pending call to accepted with the local
// actor as the accepting party, then emits a call-accepted signal to shave
// the requester's wait for the persisted notification.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || c.view == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.view.ID
	requester := c.view.RequesterID
	c.mu.Unlock()

	if err := c.neg.EnsureMedia(); err != nil {
		return err
	}

	rec, err := c.store.Accept(ctx, callID, c.self)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.view == nil || c.view.ID != callID {
		// The call went away while the update was in flight.
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.view = viewOf(rec)
	c.state = StateConnecting
	c.armStallLocked(callID)
	view := c.cloneViewLocked()
	topic := signal.CallTopic(rec.ConversationID.String())
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, topic, signal.Envelope{
		Kind:           signal.KindCallAccepted,
		CallID:         callID,
		From:           c.self,
		To:             &requester,
		ConversationID: rec.ConversationID,
	}); err != nil {
		// Best-effort transport: the requester converges on the persisted
		// record regardless.
		log.Printf("CALL [%d]: call-accepted signal dropped: %v", callID, err)
	}

	c.notify(StateConnecting, view)
	return nil
}

// Reject resolves an incoming pending call to rejected and returns to idle.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || c.view == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.view.ID
	c.mu.Unlock()

	if _, err := c.store.Reject(ctx, callID, c.self); err != nil {
		return err
	}
	c.resolveLocal(callID)
	return nil
}

// HangUp is the universal cancellation: cancel while requesting, reject
// while ringing, end once accepted. Local negotiation state and media are
// torn down unconditionally, even when the store update fails, so the
// machine always lands back in idle.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	if c.view == nil {
		c.state = StateIdle
		c.mu.Unlock()
		return nil
	}
	callID := c.view.ID
	conversationID := c.view.ConversationID
	counterpart := c.view.CounterpartID(c.self)
	status := c.view.Status
	c.mu.Unlock()

	var err error
	switch status {
	case models.CallPending:
		if c.isRequester(callID) {
			_, err = c.store.Cancel(ctx, callID, c.self)
		} else {
			_, err = c.store.Reject(ctx, callID, c.self)
		}
	case models.CallAccepted:
		_, err = c.store.End(ctx, callID, c.self)
	}

	env := signal.Envelope{
		Kind:           signal.KindCallEnded,
		CallID:         callID,
		From:           c.self,
		ConversationID: conversationID,
	}
	if counterpart != uuid.Nil {
		env.To = &counterpart
	}
	if pubErr := c.bus.Publish(ctx, signal.CallTopic(conversationID.String()), env); pubErr != nil {
		log.Printf("CALL [%d]: call-ended signal dropped: %v", callID, pubErr)
	}

	c.resolveLocal(callID)
	return err
}

// ToggleMute flips the local audio track without renegotiation.
func (c *Controller) ToggleMute() bool {
	return c.neg.ToggleMute()
}

// OnCallRecord applies a persisted call-request change notification. This is
// the source of truth; applying the same notification twice is a no-op.
func (c *Controller) OnCallRecord(rec *models.CallRequest) {
	switch rec.Status {
	case models.CallPending:
		c.applyPending(rec)
	case models.CallAccepted:
		c.applyAccepted(rec)
	case models.CallRejected, models.CallEnded, models.CallCancelled:
		c.resolveLocal(rec.ID)
	}
}

func (c *Controller) applyPending(rec *models.CallRequest) {
	c.mu.Lock()
	if c.view != nil {
		if c.view.ID == rec.ID {
			c.view = viewOf(rec)
		} else {
			log.Printf("CALL [%d]: ignoring pending record, call %d is live", rec.ID, c.view.ID)
		}
		c.mu.Unlock()
		return
	}
	if rec.RequesterID == c.self {
		// Echo of our own insert; RequestCall already built the view.
		c.mu.Unlock()
		return
	}
	c.state = StateRinging
	c.view = viewOf(rec)
	c.subscribeLocked(rec.ConversationID)
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateRinging, view)
}

func (c *Controller) applyAccepted(rec *models.CallRequest) {
	c.mu.Lock()
	if c.view == nil {
		if !rec.IsParty(c.self) {
			c.mu.Unlock()
			return
		}
		// We were not tracking this call (e.g. reconnect); adopt it.
		c.view = viewOf(rec)
		c.subscribeLocked(rec.ConversationID)
	} else if c.view.ID != rec.ID {
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting || c.state == StateInCall {
		// Duplicate notification, or the call-accepted signal got here
		// first. Refresh the accepting party and stop.
		c.view = viewOf(rec)
		c.mu.Unlock()
		return
	}
	c.view = viewOf(rec)
	c.state = StateConnecting
	c.armStallLocked(rec.ID)
	isCaller := rec.RequesterID == c.self
	remote := rec.CounterpartOf(c.self)
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateConnecting, view)

	if isCaller && remote != uuid.Nil {
		go c.startCaller(rec.ID, rec.ConversationID, remote)
	}
}

// startCaller kicks the caller handshake. The negotiation engine has its own
// once-per-call guard, so a record notification racing the call-accepted
// signal cannot start it twice.
func (c *Controller) startCaller(callID int64, conversationID, remote uuid.UUID) {
	if err := c.neg.StartCaller(context.Background(), callID, conversationID, remote); err != nil {
		c.OnNegotiationFailed(callID, err)
	}
}

// OnSignal applies a broadcast signal envelope. Envelopes addressed to
// someone else, sent by ourselves, or about a call we are not tracking are
// ignored; duplicates are harmless.
func (c *Controller) OnSignal(env signal.Envelope) {
	if env.From == c.self || !env.AddressedTo(c.self) {
		return
	}
	switch env.Kind {
	case signal.KindCallAccepted:
		c.signalAccepted(env)
	case signal.KindOffer:
		if c.tracks(env.CallID) {
			go func() {
				if err := c.neg.HandleOffer(context.Background(), env); err != nil {
					c.OnNegotiationFailed(env.CallID, err)
				}
			}()
		}
	case signal.KindAnswer:
		if c.tracks(env.CallID) {
			if err := c.neg.HandleAnswer(context.Background(), env); err != nil {
				c.OnNegotiationFailed(env.CallID, err)
			}
		}
	case signal.KindICE:
		if c.tracks(env.CallID) {
			if err := c.neg.HandleCandidate(context.Background(), env); err != nil {
				log.Printf("CALL [%d]: candidate dropped: %v", env.CallID, err)
			}
		}
	case signal.KindCallEnded:
		c.resolveLocal(env.CallID)
	}
}

// signalAccepted is the fast path of requesting→connecting: the callee's
// call-accepted signal usually lands before the persisted notification.
func (c *Controller) signalAccepted(env signal.Envelope) {
	c.mu.Lock()
	if c.view == nil || c.view.ID != env.CallID || c.state != StateRequesting {
		c.mu.Unlock()
		return
	}
	by := env.From
	c.view.AcceptedBy = &by
	c.view.Status = models.CallAccepted
	c.state = StateConnecting
	c.armStallLocked(env.CallID)
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateConnecting, view)
	go c.startCaller(env.CallID, env.ConversationID, by)
}

// OnConnected resolves connecting→in-call once the peer connection reports
// connected, clearing any prior error.
func (c *Controller) OnConnected(callID int64) {
	c.mu.Lock()
	if c.view == nil || c.view.ID != callID || c.state == StateInCall {
		c.mu.Unlock()
		return
	}
	c.state = StateInCall
	c.lastErr = ""
	c.disarmStallLocked()
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateInCall, view)
}

// OnNegotiationFailed moves the call to the error state with a user-facing
// message. The call stays up so the user can explicitly hang up; HangUp
// remains valid from here.
func (c *Controller) OnNegotiationFailed(callID int64, err error) {
	c.mu.Lock()
	if c.view == nil || c.view.ID != callID {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.lastErr = err.Error()
	c.disarmStallLocked()
	view := c.cloneViewLocked()
	c.mu.Unlock()

	c.notify(StateError, view)
}

// resolveLocal tears everything down and returns to idle. It is the single
// funnel for every terminal path and is a no-op for calls we do not track,
// which makes duplicate terminal notifications and signals harmless.
func (c *Controller) resolveLocal(callID int64) {
	c.mu.Lock()
	if c.view == nil || c.view.ID != callID {
		c.mu.Unlock()
		return
	}
	c.view = nil
	c.state = StateIdle
	c.lastErr = ""
	c.disarmStallLocked()
	sub := c.subCancel
	c.subCancel = nil
	c.mu.Unlock()

	// Outside the lock: teardown closes the peer connection, whose state
	// callbacks re-enter the controller.
	c.neg.Teardown(callID)
	if sub != nil {
		sub()
	}
	c.notify(StateIdle, nil)
}

// Close tears down whatever call is live. Used on shutdown.
func (c *Controller) Close() {
	c.mu.Lock()
	var callID int64
	if c.view != nil {
		callID = c.view.ID
	}
	c.mu.Unlock()
	if callID != 0 {
		c.resolveLocal(callID)
	}
}

func (c *Controller) tracks(callID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view != nil && c.view.ID == callID
}

func (c *Controller) isRequester(callID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view != nil && c.view.ID == callID && c.view.RequesterID == c.self
}

func (c *Controller) subscribeLocked(conversationID uuid.UUID) {
	if c.subCancel != nil {
		return
	}
	cancel, err := c.bus.Subscribe(signal.CallTopic(conversationID.String()), c.OnSignal)
	if err != nil {
		log.Printf("CALL: signal subscription failed for %s: %v", conversationID, err)
		return
	}
	c.subCancel = cancel
}

func (c *Controller) armStallLocked(callID int64) {
	c.disarmStallLocked()
	c.stall = time.AfterFunc(connectStallAfter, func() {
		c.mu.Lock()
		stalled := c.state == StateConnecting && c.view != nil && c.view.ID == callID
		c.mu.Unlock()
		if stalled && c.OnDiagnostic != nil {
			c.OnDiagnostic(fmt.Sprintf("call %d is taking longer than expected to connect", callID))
		}
	})
}

func (c *Controller) disarmStallLocked() {
	if c.stall != nil {
		c.stall.Stop()
		c.stall = nil
	}
}

func (c *Controller) notify(state State, view *View) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, view)
	}
}

// CounterpartID mirrors models.CallRequest.CounterpartOf for the view.
func (v *View) CounterpartID(self uuid.UUID) uuid.UUID {
	if v.RequesterID == self {
		if v.AcceptedBy != nil {
			return *v.AcceptedBy
		}
		return uuid.Nil
	}
	return v.RequesterID
}
