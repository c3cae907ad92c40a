package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestCallStatusTransitions(t *testing.T) {
	all := []CallStatus{CallPending, CallAccepted, CallRejected, CallEnded, CallCancelled}

	allowed := map[CallStatus]map[CallStatus]bool{
		CallPending:  {CallAccepted: true, CallRejected: true, CallCancelled: true},
		CallAccepted: {CallEnded: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCallStatusResolved(t *testing.T) {
	for status, want := range map[CallStatus]bool{
		CallPending:   false,
		CallAccepted:  false,
		CallRejected:  true,
		CallEnded:     true,
		CallCancelled: true,
	} {
		if got := status.Resolved(); got != want {
			t.Errorf("%s.Resolved() = %v, want %v", status, got, want)
		}
	}
}

func TestCallRequestCounterpart(t *testing.T) {
	requester, acceptor, stranger := uuid.New(), uuid.New(), uuid.New()

	pending := &CallRequest{RequesterID: requester, Status: CallPending}
	if got := pending.CounterpartOf(requester); got != uuid.Nil {
		t.Fatalf("pending call has no counterpart for the requester, got %s", got)
	}
	if got := pending.CounterpartOf(acceptor); got != requester {
		t.Fatalf("counterpart of a non-requester = %s, want requester", got)
	}

	accepted := &CallRequest{RequesterID: requester, AcceptedBy: &acceptor, Status: CallAccepted}
	if got := accepted.CounterpartOf(requester); got != acceptor {
		t.Fatalf("requester's counterpart = %s, want acceptor", got)
	}

	if !accepted.IsParty(requester) || !accepted.IsParty(acceptor) {
		t.Fatal("both sides must be parties")
	}
	if accepted.IsParty(stranger) {
		t.Fatal("a stranger is not a party")
	}
}
