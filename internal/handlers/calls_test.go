package handlers

import (
	"testing"

	"github.com/google/uuid"

	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/signal"
)

func TestEndedEnvelopeStampsActingParty(t *testing.T) {
	requester := uuid.New()
	acceptor := uuid.New()
	call := &models.CallRequest{
		ID:             7,
		ConversationID: uuid.New(),
		RequesterID:    requester,
		AcceptedBy:     &acceptor,
		Status:         models.CallAccepted,
	}

	// The acceptor hangs up. Clients ignore envelopes carrying their own
	// id as sender, so the requester only hears the hangup if the envelope
	// is stamped with the acceptor.
	env := endedEnvelope(call, acceptor)
	if env.Kind != signal.KindCallEnded || env.CallID != call.ID || env.ConversationID != call.ConversationID {
		t.Fatalf("envelope = %+v", env)
	}
	if env.From != acceptor {
		t.Fatalf("from = %s, want the acting party %s", env.From, acceptor)
	}
	if env.From == requester {
		t.Fatal("stamping the requester would make them drop their own hangup notice")
	}
	if !env.AddressedTo(requester) {
		t.Fatal("ended envelope must reach the counterpart")
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	// The requester cancelling stamps themself, reaching the callee side.
	env = endedEnvelope(call, requester)
	if env.From != requester {
		t.Fatalf("from = %s, want %s", env.From, requester)
	}
}
