package messages

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/user/parley-back/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrMessageNotFound      = errors.New("message not found")
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) isParticipant(ctx context.Context, convID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)
	`, convID, userID).Scan(&exists)
	return exists, err
}

// GetOrCreateDM gets the existing DM between two users or creates it
func (r *Repository) GetOrCreateDM(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	var convID uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants cp1 ON c.id = cp1.conversation_id AND cp1.user_id = $1
		JOIN conversation_participants cp2 ON c.id = cp2.conversation_id AND cp2.user_id = $2
		WHERE c.type = 'dm'
	`, userA, userB).Scan(&convID)

	if err == nil {
		return r.GetConversation(ctx, convID, userA)
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (type) VALUES ('dm') RETURNING id
	`).Scan(&convID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)
	`, convID, userA, userB)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return r.GetConversation(ctx, convID, userA)
}

// CreateGroup creates a new group conversation with the creator as a member
func (r *Repository) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, participantIDs []uuid.UUID) (*models.Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var convID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (type, name) VALUES ('group', $1) RETURNING id
	`, name).Scan(&convID)
	if err != nil {
		return nil, err
	}

	seen := map[uuid.UUID]bool{creatorID: true}
	unique := []uuid.UUID{creatorID}
	for _, id := range participantIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	for _, userID := range unique {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
		`, convID, userID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return r.GetConversation(ctx, convID, creatorID)
}

// GetConversation gets a conversation by ID, verifying membership
func (r *Repository) GetConversation(ctx context.Context, convID, userID uuid.UUID) (*models.Conversation, error) {
	ok, err := r.isParticipant(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	conv := &models.Conversation{}
	err = r.db.QueryRow(ctx, `
		SELECT id, type, name, avatar_url, created_at, updated_at FROM conversations WHERE id = $1
	`, convID).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.AvatarURL, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	conv.Participants, err = r.GetParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}

	lastMsg := &models.Message{}
	err = r.db.QueryRow(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.id DESC LIMIT 1
	`, convID).Scan(&lastMsg.ID, &lastMsg.ConversationID, &lastMsg.SenderID, &lastMsg.Content, &lastMsg.CreatedAt)
	if err == nil {
		conv.LastMessage = lastMsg
	}

	return conv, nil
}

// ListSummaries lists the user's conversations with preview, activity and
// unread counts, ordered by most recent activity. Unread counts messages
// newer than the participant's read high-water mark.
func (r *Repository) ListSummaries(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.type, c.name, c.avatar_url, c.updated_at,
			   COALESCE((
				   SELECT COUNT(*) FROM messages m
				   WHERE m.conversation_id = c.id
				     AND m.sender_id <> $1
				     AND m.id > cp.last_read_id
			   ), 0)
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.ConversationSummary
	for rows.Next() {
		s := &models.ConversationSummary{}
		err := rows.Scan(&s.ID, &s.Type, &s.Name, &s.AvatarURL, &s.LastActivityAt, &s.Unread)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range summaries {
		s.Participants, err = r.GetParticipants(ctx, s.ID)
		if err != nil {
			return nil, err
		}

		lastMsg := &models.Message{}
		err = r.db.QueryRow(ctx, `
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at
			FROM messages m WHERE m.conversation_id = $1
			ORDER BY m.id DESC LIMIT 1
		`, s.ID).Scan(&lastMsg.ID, &lastMsg.ConversationID, &lastMsg.SenderID, &lastMsg.Content, &lastMsg.CreatedAt)
		if err == nil {
			s.LastMessage = lastMsg
			if lastMsg.CreatedAt.After(s.LastActivityAt) {
				s.LastActivityAt = lastMsg.CreatedAt
			}
		}
	}

	return summaries, nil
}

// ListMessages returns the most recent messages in chronological order.
// beforeID narrows to messages older than that id; pass 0 for the latest
// window. A non-participant gets zero rows.
func (r *Repository) ListMessages(ctx context.Context, convID, userID uuid.UUID, limit int, beforeID int64) ([]*models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cursor := beforeID
	if cursor <= 0 {
		cursor = int64(^uint64(0) >> 1)
	}

	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
			   u.id, u.email, u.username, u.avatar_url, u.status, u.created_at, u.updated_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1
		  AND m.id < $3
		  AND EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)
		ORDER BY m.id DESC
		LIMIT $4
	`, convID, userID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{Sender: &models.User{}}
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt,
			&msg.Sender.ID, &msg.Sender.Email, &msg.Sender.Username, &msg.Sender.AvatarURL,
			&msg.Sender.Status, &msg.Sender.CreatedAt, &msg.Sender.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, msg := range messages {
		msg.Attachments = r.loadAttachments(ctx, msg.ID)
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// SendMessage persists a message, linking any pre-uploaded attachments the
// sender owns
func (r *Repository) SendMessage(ctx context.Context, convID, senderID uuid.UUID, content string, attachmentIDs []int64) (*models.Message, error) {
	ok, err := r.isParticipant(ctx, convID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	msg := &models.Message{}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, conversation_id, sender_id, content, created_at
	`, convID, senderID, content).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(attachmentIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE attachments
			SET message_id = $1
			WHERE id = ANY($2) AND uploader_id = $3 AND message_id IS NULL
		`, msg.ID, attachmentIDs, senderID)
		if err != nil {
			return nil, err
		}
	}

	_, _ = tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, convID)

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	msg.Sender = r.loadUser(ctx, senderID)
	msg.Attachments = r.loadAttachments(ctx, msg.ID)

	return msg, nil
}

// MarkRead advances the participant's read high-water mark. A lower id
// never moves it backwards.
func (r *Repository) MarkRead(ctx context.Context, convID, userID uuid.UUID, messageID int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversation_participants
		SET last_read_id = GREATEST(last_read_id, $3)
		WHERE conversation_id = $1 AND user_id = $2
	`, convID, userID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// CreateAttachment records a pre-upload attachment not yet linked to a
// message
func (r *Repository) CreateAttachment(ctx context.Context, uploaderID uuid.UUID, attachType, url, filename string, size int64) (*models.Attachment, error) {
	attachment := &models.Attachment{}
	err := r.db.QueryRow(ctx, `
		INSERT INTO attachments (uploader_id, type, url, filename, size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, type, url, filename, size, created_at
	`, uploaderID, attachType, url, filename, size).Scan(
		&attachment.ID, &attachment.Type, &attachment.URL, &attachment.Filename, &attachment.Size, &attachment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return attachment, nil
}

// GetParticipants returns all members of a conversation
func (r *Repository) GetParticipants(ctx context.Context, convID uuid.UUID) ([]*models.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.email, u.username, u.avatar_url, u.status, u.created_at, u.updated_at
		FROM users u
		JOIN conversation_participants cp ON u.id = cp.user_id
		WHERE cp.conversation_id = $1
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		err := rows.Scan(&user.ID, &user.Email, &user.Username, &user.AvatarURL, &user.Status, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// GetParticipantIDs returns all participant user IDs for a conversation
func (r *Repository) GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) loadUser(ctx context.Context, userID uuid.UUID) *models.User {
	user := &models.User{}
	err := r.db.QueryRow(ctx, `
		SELECT id, email, username, avatar_url, status, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(
		&user.ID, &user.Email, &user.Username, &user.AvatarURL, &user.Status, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil
	}
	return user
}

func (r *Repository) loadAttachments(ctx context.Context, messageID int64) []*models.Attachment {
	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, type, url, filename, size, created_at
		FROM attachments WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		a := &models.Attachment{}
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Type, &a.URL, &a.Filename, &a.Size, &a.CreatedAt); err != nil {
			continue
		}
		attachments = append(attachments, a)
	}
	return attachments
}
