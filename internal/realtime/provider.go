package realtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/user/parley-back/internal/auth"
	"github.com/user/parley-back/internal/calls"
	"github.com/user/parley-back/internal/messages"
	"github.com/user/parley-back/internal/models"
)

// Provider implements DataProvider and MembershipProvider
type Provider struct {
	authRepo     *auth.Repository
	messagesRepo *messages.Repository
	callsRepo    *calls.Repository
}

func NewProvider(authRepo *auth.Repository, messagesRepo *messages.Repository, callsRepo *calls.Repository) *Provider {
	return &Provider{
		authRepo:     authRepo,
		messagesRepo: messagesRepo,
		callsRepo:    callsRepo,
	}
}

// GetReadyState assembles the initial payload for a connecting client: the
// user, their conversation list with unread counts, and any pending call
// requests addressed to them, so a ring missed while offline still rings.
func (p *Provider) GetReadyState(ctx context.Context, userID uuid.UUID) (*models.ReadyEvent, error) {
	user, err := p.authRepo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	conversations, _ := p.messagesRepo.ListSummaries(ctx, userID)
	if conversations == nil {
		conversations = []*models.ConversationSummary{}
	}

	pendingCalls, _ := p.callsRepo.GetPendingForUser(ctx, userID)
	if pendingCalls == nil {
		pendingCalls = []*models.CallRequest{}
	}

	return &models.ReadyEvent{
		User:          user,
		Conversations: conversations,
		PendingCalls:  pendingCalls,
	}, nil
}

func (p *Provider) GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return p.messagesRepo.GetParticipantIDs(ctx, conversationID)
}

// GetContactIDs returns the distinct users sharing a conversation with the
// given user, for presence fan-out.
func (p *Provider) GetContactIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	summaries, err := p.messagesRepo.ListSummaries(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := map[uuid.UUID]bool{userID: true}
	var ids []uuid.UUID
	for _, s := range summaries {
		for _, u := range s.Participants {
			if !seen[u.ID] {
				seen[u.ID] = true
				ids = append(ids, u.ID)
			}
		}
	}
	return ids, nil
}
