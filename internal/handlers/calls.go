package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/user/parley-back/internal/cache"
	"github.com/user/parley-back/internal/calls"
	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/realtime"
	"github.com/user/parley-back/internal/signal"
)

type ConversationRepository interface {
	GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// CallsHandler exposes the call request lifecycle over REST. Handlers only
// mutate the persisted record and fan out change notifications; the media
// handshake itself runs between clients over the call signaling channel.
type CallsHandler struct {
	callsRepo *calls.Repository
	turn      *calls.TurnService
	convRepo  ConversationRepository
	notifier  *realtime.Notifier
	rt        *realtime.Node
	cache     *cache.RedisCache
	validator *validator.Validate
}

func NewCallsHandler(
	callsRepo *calls.Repository,
	turn *calls.TurnService,
	convRepo ConversationRepository,
	notifier *realtime.Notifier,
	rt *realtime.Node,
	cache *cache.RedisCache,
) *CallsHandler {
	return &CallsHandler{
		callsRepo: callsRepo,
		turn:      turn,
		convRepo:  convRepo,
		notifier:  notifier,
		rt:        rt,
		cache:     cache,
		validator: validator.New(),
	}
}

// notifyCallChange pushes the updated record to every conversation
// participant. This is the ground-truth path: even when the accompanying
// signal envelope is lost, clients converge on this notification.
func (h *CallsHandler) notifyCallChange(ctx context.Context, eventType string, call *models.CallRequest) {
	participantIDs, err := h.convRepo.GetParticipantIDs(ctx, call.ConversationID)
	if err != nil {
		log.Printf("Failed to get conversation participants: %v", err)
		return
	}
	h.notifier.NotifyUsers(participantIDs, eventType, &models.CallRequestEvent{Call: call})
}

func (h *CallsHandler) isParticipant(ctx context.Context, conversationID, userID uuid.UUID) bool {
	ids, err := h.convRepo.GetParticipantIDs(ctx, conversationID)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}

// RequestCall creates a pending call request for a conversation
func (h *CallsHandler) RequestCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.RequestCallDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if !h.isParticipant(r.Context(), conversationID, userID) {
		respondError(w, http.StatusForbidden, "Not a participant")
		return
	}

	call, err := h.callsRepo.Create(r.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, calls.ErrCallExists) {
			respondError(w, http.StatusConflict, "A call is already in progress")
			return
		}
		log.Printf("Create call request error: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to request call")
		return
	}

	h.notifyCallChange(r.Context(), models.EventCallRequestCreate, call)

	respondJSON(w, http.StatusCreated, call)
}

// transition parses the call id path value and applies op, mapping the
// shared error cases.
func (h *CallsHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error)) *models.CallRequest {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}

	callID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || callID <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid call ID")
		return nil
	}

	call, err := op(r.Context(), callID, userID)
	if err != nil {
		if errors.Is(err, calls.ErrTransition) {
			respondError(w, http.StatusConflict, "Call is no longer in that state")
			return nil
		}
		log.Printf("Call transition error: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to update call")
		return nil
	}
	return call
}

// AcceptCall accepts a pending call. The winning accept also emits a
// call-accepted envelope on the signaling channel so the requester starts
// negotiating without waiting for the record notification.
func (h *CallsHandler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	call := h.transition(w, r, h.callsRepo.Accept)
	if call == nil {
		return
	}

	h.notifyCallChange(r.Context(), models.EventCallRequestUpdate, call)

	if call.AcceptedBy != nil {
		requester := call.RequesterID
		if err := h.rt.PublishSignal(signal.Envelope{
			Kind:           signal.KindCallAccepted,
			CallID:         call.ID,
			From:           *call.AcceptedBy,
			To:             &requester,
			ConversationID: call.ConversationID,
		}); err != nil {
			log.Printf("call-accepted signal dropped: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, call)
}

// RejectCall declines a pending call
func (h *CallsHandler) RejectCall(w http.ResponseWriter, r *http.Request) {
	call := h.transition(w, r, h.callsRepo.Reject)
	if call == nil {
		return
	}
	h.notifyCallChange(r.Context(), models.EventCallRequestUpdate, call)
	respondJSON(w, http.StatusOK, call)
}

// CancelCall withdraws a pending call (requester only)
func (h *CallsHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	call := h.transition(w, r, h.callsRepo.Cancel)
	if call == nil {
		return
	}
	actor, _ := r.Context().Value("userID").(uuid.UUID)
	h.notifyCallChange(r.Context(), models.EventCallRequestUpdate, call)
	h.broadcastEnded(call, actor)
	respondJSON(w, http.StatusOK, call)
}

// EndCall resolves an accepted call
func (h *CallsHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	call := h.transition(w, r, h.callsRepo.End)
	if call == nil {
		return
	}
	actor, _ := r.Context().Value("userID").(uuid.UUID)
	h.notifyCallChange(r.Context(), models.EventCallRequestUpdate, call)
	h.broadcastEnded(call, actor)
	respondJSON(w, http.StatusOK, call)
}

// endedEnvelope builds the best-effort call-ended envelope. From must be
// the acting party: receivers drop their own envelopes, so stamping anyone
// else would silence the signal for the one peer it is meant to reach.
func endedEnvelope(call *models.CallRequest, from uuid.UUID) signal.Envelope {
	return signal.Envelope{
		Kind:           signal.KindCallEnded,
		CallID:         call.ID,
		From:           from,
		ConversationID: call.ConversationID,
	}
}

// broadcastEnded emits the call-ended envelope alongside the record update.
func (h *CallsHandler) broadcastEnded(call *models.CallRequest, from uuid.UUID) {
	if err := h.rt.PublishSignal(endedEnvelope(call, from)); err != nil {
		log.Printf("call-ended signal dropped: %v", err)
	}
}

// GetConversationCall returns the unresolved call for a conversation, or
// 204 when there is none
func (h *CallsHandler) GetConversationCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if !h.isParticipant(r.Context(), conversationID, userID) {
		respondError(w, http.StatusForbidden, "Not a participant")
		return
	}

	call, err := h.callsRepo.GetUnresolvedForConversation(r.Context(), conversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}
	if call == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respondJSON(w, http.StatusOK, call)
}

// GetIceServers mints relay credentials for the caller. Minted sets are
// cached per user for their lifetime so rapid call attempts reuse them.
// Without a configured relay this returns 404 and clients fall back to
// STUN.
func (h *CallsHandler) GetIceServers(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if !h.turn.Enabled() {
		respondError(w, http.StatusNotFound, "No relay configured")
		return
	}

	if h.cache != nil {
		var cached calls.IceCredentials
		if err := h.cache.GetJSON(r.Context(), cache.IceCredsKey(userID.String()), &cached); err == nil {
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	creds := h.turn.Credentials(userID.String())

	if h.cache != nil {
		// Cache for half the credential lifetime so handed-out sets always
		// have time left on them.
		if err := h.cache.SetJSON(r.Context(), cache.IceCredsKey(userID.String()), creds, creds.CacheTTL()); err != nil {
			log.Printf("Failed to cache relay credentials: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, creds)
}
