package calls

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/parley-back/internal/models"
)

var (
	// ErrCallExists is returned when a conversation already has an
	// unresolved call request. The partial unique index on call_requests
	// enforces this even under concurrent inserts.
	ErrCallExists = errors.New("conversation already has an active call")

	// ErrTransition is returned when a guarded update matched no row: the
	// record does not exist, has already left the required status, or the
	// acting user is not the party the transition requires.
	ErrTransition = errors.New("call request is no longer in the required status")
)

const callColumns = `id, conversation_id, requester_id, accepted_by, status, created_at, updated_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanCall(row pgx.Row) (*models.CallRequest, error) {
	call := &models.CallRequest{}
	err := row.Scan(
		&call.ID, &call.ConversationID, &call.RequesterID, &call.AcceptedBy,
		&call.Status, &call.CreatedAt, &call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Create inserts a pending call request. A second unresolved request for
// the same conversation violates the partial unique index and maps to
// ErrCallExists.
func (r *Repository) Create(ctx context.Context, conversationID, requester uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		INSERT INTO call_requests (conversation_id, requester_id, status)
		VALUES ($1, $2, 'pending')
		RETURNING `+callColumns+`
	`, conversationID, requester))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrCallExists
		}
		return nil, err
	}
	return call, nil
}

// Accept resolves the pending→accepted race in SQL: the status guard in the
// WHERE clause lets exactly one accept win, everyone else gets
// ErrTransition. The requester cannot accept their own call.
func (r *Repository) Accept(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		UPDATE call_requests
		SET status = 'accepted', accepted_by = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND requester_id <> $2
		RETURNING `+callColumns+`
	`, id, by))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransition
	}
	return call, err
}

// Reject resolves a pending call as declined by the callee.
func (r *Repository) Reject(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		UPDATE call_requests
		SET status = 'rejected', updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND requester_id <> $2
		RETURNING `+callColumns+`
	`, id, by))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransition
	}
	return call, err
}

// Cancel withdraws a pending call. Only the requester may cancel.
func (r *Repository) Cancel(ctx context.Context, id int64, requester uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		UPDATE call_requests
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND requester_id = $2
		RETURNING `+callColumns+`
	`, id, requester))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransition
	}
	return call, err
}

// End resolves an accepted call. Either party may end it.
func (r *Repository) End(ctx context.Context, id int64, by uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		UPDATE call_requests
		SET status = 'ended', updated_at = NOW()
		WHERE id = $1 AND status = 'accepted' AND (requester_id = $2 OR accepted_by = $2)
		RETURNING `+callColumns+`
	`, id, by))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransition
	}
	return call, err
}

// GetByID returns one call request.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.CallRequest, error) {
	return scanCall(r.db.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_requests WHERE id = $1
	`, id))
}

// GetUnresolvedForConversation returns the conversation's pending or
// accepted call, or nil when there is none.
func (r *Repository) GetUnresolvedForConversation(ctx context.Context, conversationID uuid.UUID) (*models.CallRequest, error) {
	call, err := scanCall(r.db.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_requests
		WHERE conversation_id = $1 AND status IN ('pending', 'accepted')
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return call, err
}

// GetPendingForUser lists pending call requests addressed to the user, i.e.
// pending calls in their conversations that they did not start. Used to
// re-ring after reconnect.
func (r *Repository) GetPendingForUser(ctx context.Context, userID uuid.UUID) ([]*models.CallRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT cr.id, cr.conversation_id, cr.requester_id, cr.accepted_by, cr.status, cr.created_at, cr.updated_at
		FROM call_requests cr
		JOIN conversation_participants cp ON cp.conversation_id = cr.conversation_id
		WHERE cp.user_id = $1 AND cr.requester_id <> $1 AND cr.status = 'pending'
		ORDER BY cr.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.CallRequest
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}
