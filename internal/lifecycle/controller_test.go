package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/signal"
)

// syncBus delivers envelopes to subscribers inline, which keeps the tests
// deterministic. It also records everything published.
type syncBus struct {
	mu        sync.Mutex
	subs      map[string][]func(signal.Envelope)
	published []signal.Envelope
}

func newSyncBus() *syncBus {
	return &syncBus{subs: make(map[string][]func(signal.Envelope))}
}

func (b *syncBus) Publish(_ context.Context, topic string, env signal.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	handlers := append([]func(signal.Envelope){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *syncBus) Subscribe(topic string, handler func(signal.Envelope)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
	return func() {}, nil
}

func (b *syncBus) publishedKinds() []signal.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	kinds := make([]signal.Kind, 0, len(b.published))
	for _, env := range b.published {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

// fakeStore applies the same transition guards as the real repository: a
// mutation only succeeds when the record is still in the required status.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*models.CallRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[int64]*models.CallRequest)}
}

func (s *fakeStore) Create(_ context.Context, conversationID, requester uuid.UUID) (*models.CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ConversationID == conversationID && !c.Status.Resolved() {
			return nil, ErrCallInProgress
		}
	}
	s.nextID++
	rec := &models.CallRequest{
		ID:             s.nextID,
		ConversationID: conversationID,
		RequesterID:    requester,
		Status:         models.CallPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	s.calls[rec.ID] = rec
	return copyCall(rec), nil
}

func (s *fakeStore) transition(id int64, from, to models.CallStatus, by *uuid.UUID) (*models.CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok || rec.Status != from {
		return nil, ErrInvalidTransition
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	if to == models.CallAccepted {
		rec.AcceptedBy = by
	}
	return copyCall(rec), nil
}

func (s *fakeStore) Accept(_ context.Context, id int64, by uuid.UUID) (*models.CallRequest, error) {
	return s.transition(id, models.CallPending, models.CallAccepted, &by)
}

func (s *fakeStore) Reject(_ context.Context, id int64, _ uuid.UUID) (*models.CallRequest, error) {
	return s.transition(id, models.CallPending, models.CallRejected, nil)
}

func (s *fakeStore) Cancel(_ context.Context, id int64, _ uuid.UUID) (*models.CallRequest, error) {
	return s.transition(id, models.CallPending, models.CallCancelled, nil)
}

func (s *fakeStore) End(_ context.Context, id int64, _ uuid.UUID) (*models.CallRequest, error) {
	return s.transition(id, models.CallAccepted, models.CallEnded, nil)
}

func (s *fakeStore) get(id int64) *models.CallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCall(s.calls[id])
}

func copyCall(rec *models.CallRequest) *models.CallRequest {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

type fakeNegotiator struct {
	mu        sync.Mutex
	mediaErr  error
	started   chan int64
	tornDown  []int64
	muted     bool
	offerErr  error
	offers    int
	answers   int
	ices      int
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{started: make(chan int64, 4)}
}

func (n *fakeNegotiator) EnsureMedia() error { return n.mediaErr }

func (n *fakeNegotiator) StartCaller(_ context.Context, callID int64, _, _ uuid.UUID) error {
	n.started <- callID
	return nil
}

func (n *fakeNegotiator) HandleOffer(_ context.Context, _ signal.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	return n.offerErr
}

func (n *fakeNegotiator) HandleAnswer(_ context.Context, _ signal.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers++
	return nil
}

func (n *fakeNegotiator) HandleCandidate(_ context.Context, _ signal.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ices++
	return nil
}

func (n *fakeNegotiator) ToggleMute() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = !n.muted
	return n.muted
}

func (n *fakeNegotiator) Teardown(callID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tornDown = append(n.tornDown, callID)
}

func (n *fakeNegotiator) teardowns() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64{}, n.tornDown...)
}

func (n *fakeNegotiator) waitStarted(t *testing.T) int64 {
	t.Helper()
	select {
	case id := <-n.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("caller handshake never started")
		return 0
	}
}

type fixture struct {
	self  uuid.UUID
	store *fakeStore
	bus   *syncBus
	neg   *fakeNegotiator
	ctrl  *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		self:  uuid.New(),
		store: newFakeStore(),
		bus:   newSyncBus(),
		neg:   newFakeNegotiator(),
	}
	f.ctrl = NewController(f.self, f.store, f.bus, f.neg)
	return f
}

func assertState(t *testing.T, c *Controller, want State) {
	t.Helper()
	got, _ := c.Snapshot()
	if got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

// assertOneView checks that at most one of the per-conversation projections
// is populated.
func assertOneView(t *testing.T, c *Controller) {
	t.Helper()
	n := 0
	for _, v := range []*View{c.PendingOutgoing(), c.Incoming(), c.Active()} {
		if v != nil {
			n++
		}
	}
	if n > 1 {
		t.Fatalf("%d call views populated at once", n)
	}
}

func TestRequestCall(t *testing.T) {
	f := newFixture(t)
	conv := uuid.New()

	view, err := f.ctrl.RequestCall(context.Background(), conv)
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}
	if view.RequesterID != f.self || view.ConversationID != conv {
		t.Fatalf("unexpected view: %+v", view)
	}
	assertState(t, f.ctrl, StateRequesting)
	assertOneView(t, f.ctrl)

	if _, err := f.ctrl.RequestCall(context.Background(), uuid.New()); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second request err = %v, want ErrCallInProgress", err)
	}
}

func TestRequestCallMediaDenied(t *testing.T) {
	f := newFixture(t)
	f.neg.mediaErr = errors.New("camera in use")

	if _, err := f.ctrl.RequestCall(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected media error")
	}
	assertState(t, f.ctrl, StateIdle)
	if len(f.store.calls) != 0 {
		t.Fatal("media failure must not persist a call request")
	}
}

func TestIncomingAccept(t *testing.T) {
	f := newFixture(t)
	caller := uuid.New()
	rec := &models.CallRequest{ID: 7, ConversationID: uuid.New(), RequesterID: caller, Status: models.CallPending}
	f.store.calls[7] = copyCall(rec)
	f.store.nextID = 7

	f.ctrl.OnCallRecord(rec)
	assertState(t, f.ctrl, StateRinging)
	assertOneView(t, f.ctrl)

	if err := f.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	assertState(t, f.ctrl, StateConnecting)
	if got := f.store.get(7).Status; got != models.CallAccepted {
		t.Fatalf("stored status = %s, want accepted", got)
	}

	kinds := f.bus.publishedKinds()
	if len(kinds) != 1 || kinds[0] != signal.KindCallAccepted {
		t.Fatalf("published = %v, want one call-accepted", kinds)
	}

	// The persisted notification for the same transition must be a no-op.
	f.ctrl.OnCallRecord(f.store.get(7))
	assertState(t, f.ctrl, StateConnecting)
	assertOneView(t, f.ctrl)
}

func TestCallerFastPathStartsOnce(t *testing.T) {
	f := newFixture(t)
	conv := uuid.New()
	callee := uuid.New()

	view, err := f.ctrl.RequestCall(context.Background(), conv)
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}

	f.ctrl.OnSignal(signal.Envelope{
		Kind:           signal.KindCallAccepted,
		CallID:         view.ID,
		From:           callee,
		To:             &f.self,
		ConversationID: conv,
	})
	assertState(t, f.ctrl, StateConnecting)
	f.neg.waitStarted(t)

	// The slower persisted notification lands next; the handshake must not
	// restart.
	acceptedBy := callee
	f.ctrl.OnCallRecord(&models.CallRequest{
		ID:             view.ID,
		ConversationID: conv,
		RequesterID:    f.self,
		AcceptedBy:     &acceptedBy,
		Status:         models.CallAccepted,
	})
	assertState(t, f.ctrl, StateConnecting)
	select {
	case <-f.neg.started:
		t.Fatal("caller handshake started twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectedAndMute(t *testing.T) {
	f := newFixture(t)
	rec := &models.CallRequest{ID: 3, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
	f.store.calls[3] = copyCall(rec)
	f.ctrl.OnCallRecord(rec)
	if err := f.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	f.ctrl.OnConnected(3)
	assertState(t, f.ctrl, StateInCall)

	// Duplicate connect notification.
	f.ctrl.OnConnected(3)
	assertState(t, f.ctrl, StateInCall)

	if on := f.ctrl.ToggleMute(); !on {
		t.Fatal("first toggle should mute")
	}
}

func TestHangUpFromEveryState(t *testing.T) {
	t.Run("requesting cancels", func(t *testing.T) {
		f := newFixture(t)
		view, _ := f.ctrl.RequestCall(context.Background(), uuid.New())
		if err := f.ctrl.HangUp(context.Background()); err != nil {
			t.Fatalf("HangUp: %v", err)
		}
		assertState(t, f.ctrl, StateIdle)
		if got := f.store.get(view.ID).Status; got != models.CallCancelled {
			t.Fatalf("status = %s, want cancelled", got)
		}
		if got := f.neg.teardowns(); len(got) != 1 || got[0] != view.ID {
			t.Fatalf("teardowns = %v", got)
		}
	})

	t.Run("ringing rejects", func(t *testing.T) {
		f := newFixture(t)
		rec := &models.CallRequest{ID: 9, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
		f.store.calls[9] = copyCall(rec)
		f.ctrl.OnCallRecord(rec)
		if err := f.ctrl.HangUp(context.Background()); err != nil {
			t.Fatalf("HangUp: %v", err)
		}
		assertState(t, f.ctrl, StateIdle)
		if got := f.store.get(9).Status; got != models.CallRejected {
			t.Fatalf("status = %s, want rejected", got)
		}
	})

	t.Run("accepted ends", func(t *testing.T) {
		f := newFixture(t)
		rec := &models.CallRequest{ID: 4, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
		f.store.calls[4] = copyCall(rec)
		f.ctrl.OnCallRecord(rec)
		if err := f.ctrl.Accept(context.Background()); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		f.ctrl.OnConnected(4)
		if err := f.ctrl.HangUp(context.Background()); err != nil {
			t.Fatalf("HangUp: %v", err)
		}
		assertState(t, f.ctrl, StateIdle)
		if got := f.store.get(4).Status; got != models.CallEnded {
			t.Fatalf("status = %s, want ended", got)
		}
	})

	t.Run("idle is a no-op", func(t *testing.T) {
		f := newFixture(t)
		if err := f.ctrl.HangUp(context.Background()); err != nil {
			t.Fatalf("HangUp: %v", err)
		}
		assertState(t, f.ctrl, StateIdle)
	})
}

func TestNegotiationFailureThenHangUp(t *testing.T) {
	f := newFixture(t)
	rec := &models.CallRequest{ID: 6, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
	f.store.calls[6] = copyCall(rec)
	f.ctrl.OnCallRecord(rec)
	if err := f.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	f.ctrl.OnNegotiationFailed(6, errors.New("relay servers may be unavailable"))
	assertState(t, f.ctrl, StateError)
	if f.ctrl.LastError() == "" {
		t.Fatal("expected a user-facing error message")
	}
	assertOneView(t, f.ctrl)

	// Only an explicit hang up leaves the error state.
	if err := f.ctrl.HangUp(context.Background()); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	assertState(t, f.ctrl, StateIdle)
	if f.ctrl.LastError() != "" {
		t.Fatal("error message must clear on teardown")
	}
}

func TestTerminalRecordResolves(t *testing.T) {
	f := newFixture(t)
	rec := &models.CallRequest{ID: 11, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
	f.store.calls[11] = copyCall(rec)
	f.ctrl.OnCallRecord(rec)
	assertState(t, f.ctrl, StateRinging)

	cancelled := copyCall(rec)
	cancelled.Status = models.CallCancelled
	f.ctrl.OnCallRecord(cancelled)
	assertState(t, f.ctrl, StateIdle)

	// Replaying the terminal notification converges on the same state.
	f.ctrl.OnCallRecord(cancelled)
	assertState(t, f.ctrl, StateIdle)
	if got := f.neg.teardowns(); len(got) != 1 {
		t.Fatalf("teardowns = %v, want exactly one", got)
	}
}

func TestSignalFiltering(t *testing.T) {
	f := newFixture(t)
	conv := uuid.New()
	view, _ := f.ctrl.RequestCall(context.Background(), conv)

	other := uuid.New()
	// Our own envelope reflected by the broadcast transport.
	f.ctrl.OnSignal(signal.Envelope{Kind: signal.KindCallEnded, CallID: view.ID, From: f.self, ConversationID: conv})
	assertState(t, f.ctrl, StateRequesting)

	// Addressed to someone else.
	f.ctrl.OnSignal(signal.Envelope{Kind: signal.KindCallEnded, CallID: view.ID, From: other, To: &other, ConversationID: conv})
	assertState(t, f.ctrl, StateRequesting)

	// About a call we do not track.
	f.ctrl.OnSignal(signal.Envelope{Kind: signal.KindCallEnded, CallID: view.ID + 100, From: other, ConversationID: conv})
	assertState(t, f.ctrl, StateRequesting)

	// A well-formed call-ended resolves.
	f.ctrl.OnSignal(signal.Envelope{Kind: signal.KindCallEnded, CallID: view.ID, From: other, ConversationID: conv})
	assertState(t, f.ctrl, StateIdle)
}

func TestSecondCallSameConversationRejected(t *testing.T) {
	f := newFixture(t)
	conv := uuid.New()
	if _, err := f.ctrl.RequestCall(context.Background(), conv); err != nil {
		t.Fatalf("RequestCall: %v", err)
	}

	// A second client racing on the same conversation hits the store guard.
	other := NewController(uuid.New(), f.store, newSyncBus(), newFakeNegotiator())
	if _, err := other.RequestCall(context.Background(), conv); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("err = %v, want ErrCallInProgress", err)
	}
	assertState(t, other, StateIdle)
}

// TestTwoPartyCall runs a full call between two controllers sharing one
// store and one bus: request, ring, accept, connect, hang up.
func TestTwoPartyCall(t *testing.T) {
	store := newFakeStore()
	bus := newSyncBus()
	alice := uuid.New()
	bob := uuid.New()
	negA := newFakeNegotiator()
	negB := newFakeNegotiator()
	ctrlA := NewController(alice, store, bus, negA)
	ctrlB := NewController(bob, store, bus, negB)
	conv := uuid.New()

	// Record notifications fan out to both parties, like the realtime feed.
	broadcast := func(rec *models.CallRequest) {
		ctrlA.OnCallRecord(rec)
		ctrlB.OnCallRecord(rec)
	}

	view, err := ctrlA.RequestCall(context.Background(), conv)
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}
	broadcast(store.get(view.ID))
	assertState(t, ctrlA, StateRequesting)
	assertState(t, ctrlB, StateRinging)

	// Bob accepts: the call-accepted signal moves Alice to connecting and
	// starts her handshake before the persisted notification arrives.
	if err := ctrlB.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	assertState(t, ctrlA, StateConnecting)
	assertState(t, ctrlB, StateConnecting)
	if got := negA.waitStarted(t); got != view.ID {
		t.Fatalf("started call %d, want %d", got, view.ID)
	}
	broadcast(store.get(view.ID))
	assertState(t, ctrlA, StateConnecting)

	ctrlA.OnConnected(view.ID)
	ctrlB.OnConnected(view.ID)
	assertState(t, ctrlA, StateInCall)
	assertState(t, ctrlB, StateInCall)

	// Bob hangs up; the call-ended signal resolves Alice immediately.
	if err := ctrlB.HangUp(context.Background()); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	assertState(t, ctrlB, StateIdle)
	assertState(t, ctrlA, StateIdle)
	if got := store.get(view.ID).Status; got != models.CallEnded {
		t.Fatalf("status = %s, want ended", got)
	}
	broadcast(store.get(view.ID))
	assertState(t, ctrlA, StateIdle)
	assertState(t, ctrlB, StateIdle)
}

func TestAcceptLostRace(t *testing.T) {
	f := newFixture(t)
	rec := &models.CallRequest{ID: 21, ConversationID: uuid.New(), RequesterID: uuid.New(), Status: models.CallPending}
	f.store.calls[21] = copyCall(rec)
	f.ctrl.OnCallRecord(rec)

	// The requester cancelled before our accept landed.
	f.store.calls[21].Status = models.CallCancelled
	if err := f.ctrl.Accept(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	// Still ringing until the cancellation notification catches up.
	assertState(t, f.ctrl, StateRinging)

	cancelled := f.store.get(21)
	f.ctrl.OnCallRecord(cancelled)
	assertState(t, f.ctrl, StateIdle)
}

func ExampleController() {
	store := newFakeStore()
	ctrl := NewController(uuid.New(), store, newSyncBus(), newFakeNegotiator())
	state, _ := ctrl.Snapshot()
	fmt.Println(state)
	// Output: idle
}
