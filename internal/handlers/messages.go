package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/user/parley-back/internal/cache"
	"github.com/user/parley-back/internal/messages"
	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/realtime"
	"github.com/user/parley-back/internal/storage"
)

type MessagesHandler struct {
	repo      *messages.Repository
	rt        *realtime.Node
	storage   *storage.S3Storage
	cache     *cache.RedisCache
	validator *validator.Validate
}

func NewMessagesHandler(repo *messages.Repository, rt *realtime.Node, storage *storage.S3Storage, cache *cache.RedisCache) *MessagesHandler {
	return &MessagesHandler{
		repo:      repo,
		rt:        rt,
		storage:   storage,
		cache:     cache,
		validator: validator.New(),
	}
}

// GetConversations returns the user's conversations with previews and
// unread counts
func (h *MessagesHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conversations, err := h.repo.ListSummaries(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get conversations")
		return
	}

	if conversations == nil {
		conversations = []*models.ConversationSummary{}
	}

	respondJSON(w, http.StatusOK, conversations)
}

// GetOrCreateDM gets or creates a DM with another user
func (h *MessagesHandler) GetOrCreateDM(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.CreateDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	otherUserID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	if userID == otherUserID {
		respondError(w, http.StatusBadRequest, "Cannot create DM with yourself")
		return
	}

	conv, err := h.repo.GetOrCreateDM(r.Context(), userID, otherUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	respondJSON(w, http.StatusOK, conv)
}

// GetConversation returns a single conversation
func (h *MessagesHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), convID, userID)
	if err != nil {
		if errors.Is(err, messages.ErrNotParticipant) {
			respondError(w, http.StatusForbidden, "Not a participant")
			return
		}
		if errors.Is(err, messages.ErrConversationNotFound) {
			respondError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get conversation")
		return
	}

	respondJSON(w, http.StatusOK, conv)
}

// GetMessages returns messages for a conversation, oldest first. The
// optional before parameter pages backwards by message id.
func (h *MessagesHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	limit := 50
	var before int64
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil && parsed > 0 {
			before = parsed
		}
	}

	msgs, err := h.repo.ListMessages(r.Context(), convID, userID, limit, before)
	if err != nil {
		if errors.Is(err, messages.ErrNotParticipant) {
			respondError(w, http.StatusForbidden, "Not a participant")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	if msgs == nil {
		msgs = []*models.Message{}
	}

	respondJSON(w, http.StatusOK, msgs)
}

// SendMessage sends a message to a conversation
func (h *MessagesHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Message must be between 1 and 4000 characters")
		return
	}

	if h.cache != nil {
		allowed, err := h.cache.CheckRateLimit(r.Context(), cache.MessageRateKey(userID.String()), cache.MessageRateLimit, cache.MessageRateWindow)
		if err == nil && !allowed {
			respondError(w, http.StatusTooManyRequests, "Slow down")
			return
		}
	}

	msg, err := h.repo.SendMessage(r.Context(), convID, userID, req.Content, req.AttachmentIDs)
	if err != nil {
		if errors.Is(err, messages.ErrNotParticipant) {
			respondError(w, http.StatusForbidden, "Not a participant")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	// Broadcast to all participants via Centrifuge
	participantIDs, _ := h.repo.GetParticipantIDs(r.Context(), convID)
	h.rt.PublishToUsers(participantIDs, models.EventMessageCreate, &models.MessageCreateEvent{
		Message:        msg,
		ConversationID: convID,
	})

	respondJSON(w, http.StatusCreated, msg)
}

// MarkRead advances the caller's read position in a conversation
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid message ID")
		return
	}

	if err := h.repo.MarkRead(r.Context(), convID, userID, req.MessageID); err != nil {
		if errors.Is(err, messages.ErrNotParticipant) {
			respondError(w, http.StatusForbidden, "Not a participant")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to mark read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UploadAttachment uploads a file attachment
func (h *MessagesHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Limit upload size to 10MB
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "File too large (max 10MB)")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachType := "file"
	if isImageType(contentType) {
		attachType = "image"
	}

	folder := "attachments/" + userID.String()
	fileURL, err := h.storage.Upload(r.Context(), folder, header.Filename, contentType, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}

	// Attachment record is created before the message; SendMessage links it
	attachment, err := h.repo.CreateAttachment(r.Context(), userID, attachType, fileURL, header.Filename, header.Size)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create attachment")
		return
	}

	respondJSON(w, http.StatusCreated, attachment)
}

func isImageType(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// CreateGroup creates a new group conversation
func (h *MessagesHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(uuid.UUID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid group request")
		return
	}

	var participantIDs []uuid.UUID
	for _, idStr := range req.ParticipantIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid participant ID")
			return
		}
		participantIDs = append(participantIDs, id)
	}

	conv, err := h.repo.CreateGroup(r.Context(), userID, req.Name, participantIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create group")
		return
	}

	respondJSON(w, http.StatusCreated, conv)
}
