// Package msgsync keeps a local view of message streams consistent across
// three producers: the user's own optimistic sends, the realtime feed, and a
// periodic reconciliation poll. All three funnel through one merge routine
// keyed by message id, so no path can duplicate or drop a shown message.
package msgsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/parley-back/internal/models"
)

var ErrMessageLength = fmt.Errorf("message must be between %d and %d characters", models.MessageMinLen, models.MessageMaxLen)

// pollInterval is how often the open conversation is reconciled against the
// store. The poll applies the same merge as the realtime feed, so a missed
// event is repaired within one interval.
const pollInterval = 10 * time.Second

// pollWindow bounds how many recent messages a reconciliation fetch asks
// for.
const pollWindow = 50

// Store is the message persistence surface the engine syncs against.
type Store interface {
	SendMessage(ctx context.Context, conversationID uuid.UUID, senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error)
	ListSummaries(ctx context.Context) ([]*models.ConversationSummary, error)
}

type conversation struct {
	messages     []*models.Message
	unread       int
	lastActivity time.Time
	name         *string
	loaded       bool
}

// Engine merges every message source into per-conversation timelines. The
// merge is monotonic: a message that has been shown is never removed by a
// poll, only replaced by a fresher copy with the same id.
type Engine struct {
	self  uuid.UUID
	store Store

	// OnUpdate fires after any change to a conversation's timeline or
	// unread count. May be nil.
	OnUpdate func(conversationID uuid.UUID)

	mu      sync.Mutex
	convs   map[uuid.UUID]*conversation
	active  uuid.UUID
	nextTmp int64
}

func NewEngine(self uuid.UUID, store Store) *Engine {
	return &Engine{
		self:    self,
		store:   store,
		convs:   make(map[uuid.UUID]*conversation),
		nextTmp: -1,
	}
}

// Seed registers the conversations from the initial ready payload so unread
// counts and ordering survive before any timeline is opened.
func (e *Engine) Seed(summaries []*models.ConversationSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range summaries {
		c := e.convLocked(s.ID)
		c.name = s.Name
		c.unread = s.Unread
		if s.LastActivityAt.After(c.lastActivity) {
			c.lastActivity = s.LastActivityAt
		}
	}
}

// Open makes the conversation the active one, clears its unread counter and
// loads its recent history if this is the first open.
func (e *Engine) Open(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	e.mu.Lock()
	c := e.convLocked(conversationID)
	e.active = conversationID
	c.unread = 0
	loaded := c.loaded
	e.mu.Unlock()

	if !loaded {
		if err := e.Reconcile(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	e.emit(conversationID)
	return e.Messages(conversationID), nil
}

// CloseActive deactivates the open conversation; new inserts count as
// unread again.
func (e *Engine) CloseActive() {
	e.mu.Lock()
	e.active = uuid.Nil
	e.mu.Unlock()
}

// Active returns the currently open conversation id, or uuid.Nil.
func (e *Engine) Active() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Messages returns a copy of the conversation timeline in display order.
func (e *Engine) Messages(conversationID uuid.UUID) []*models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Unread returns the unread count for one conversation.
func (e *Engine) Unread(conversationID uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[conversationID]; ok {
		return c.unread
	}
	return 0
}

// Summaries lists the known conversations ordered by most recent activity.
func (e *Engine) Summaries() []*models.ConversationSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.ConversationSummary, 0, len(e.convs))
	for id, c := range e.convs {
		s := &models.ConversationSummary{
			ID:             id,
			Name:           c.name,
			Unread:         c.unread,
			LastActivityAt: c.lastActivity,
		}
		if n := len(c.messages); n > 0 {
			s.LastMessage = c.messages[n-1]
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Send performs an optimistic send: the message appears in the timeline
// immediately under a temporary negative id, then is reconciled in place
// with the persisted record. On any store rejection, length limits
// included, the placeholder is removed and the error surfaced.
func (e *Engine) Send(ctx context.Context, conversationID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error) {
	// Empty content never leaves the client. Over-length content is the
	// persistence layer's decision; its rejection comes back through the
	// normal rollback path below.
	if len(req.Content) < models.MessageMinLen {
		return nil, ErrMessageLength
	}

	e.mu.Lock()
	tmpID := e.nextTmp
	e.nextTmp--
	placeholder := &models.Message{
		ID:             tmpID,
		ConversationID: conversationID,
		SenderID:       e.self,
		Content:        req.Content,
		CreatedAt:      time.Now(),
	}
	c := e.convLocked(conversationID)
	c.messages = append(c.messages, placeholder)
	e.touchLocked(c, placeholder.CreatedAt)
	e.mu.Unlock()
	e.emit(conversationID)

	msg, err := e.store.SendMessage(ctx, conversationID, e.self, req)
	if err != nil {
		e.mu.Lock()
		e.removeLocked(conversationID, tmpID)
		e.mu.Unlock()
		e.emit(conversationID)
		return nil, err
	}

	e.mu.Lock()
	c = e.convLocked(conversationID)
	if indexOf(c.messages, msg.ID) >= 0 {
		// The realtime feed delivered the persisted record before the
		// send response. Keep the fed copy and drop the placeholder.
		removeAt(c, indexOf(c.messages, tmpID))
	} else if i := indexOf(c.messages, tmpID); i >= 0 {
		c.messages[i] = msg
		sortLocked(c)
	} else {
		// Placeholder gone (e.g. a concurrent failure path); fall back to
		// a plain merge.
		e.mergeLocked(c, []*models.Message{msg})
	}
	e.touchLocked(c, msg.CreatedAt)
	e.mu.Unlock()
	e.emit(conversationID)
	return msg, nil
}

// ApplyInsert merges a realtime message event into its timeline. Messages
// from others land in the unread counter unless the conversation is open.
func (e *Engine) ApplyInsert(msg *models.Message) {
	e.mu.Lock()
	c := e.convLocked(msg.ConversationID)
	added := e.mergeLocked(c, []*models.Message{msg})
	if len(added) > 0 && msg.SenderID != e.self && e.active != msg.ConversationID {
		c.unread++
	}
	e.touchLocked(c, msg.CreatedAt)
	e.mu.Unlock()
	e.emit(msg.ConversationID)
}

// Reconcile fetches the recent window for a conversation and merges it with
// the same routine the realtime feed uses. Known messages outside the
// window are kept.
func (e *Engine) Reconcile(ctx context.Context, conversationID uuid.UUID) error {
	msgs, err := e.store.ListMessages(ctx, conversationID, pollWindow)
	if err != nil {
		return err
	}

	e.mu.Lock()
	c := e.convLocked(conversationID)
	added := e.mergeLocked(c, msgs)
	if e.active != conversationID {
		for _, m := range added {
			if m.SenderID != e.self {
				c.unread++
			}
		}
	}
	for _, m := range msgs {
		e.touchLocked(c, m.CreatedAt)
	}
	c.loaded = true
	e.mu.Unlock()
	if len(added) > 0 {
		e.emit(conversationID)
	}
	return nil
}

// RefreshSummaries refetches the conversation list and folds it in. Each
// summary's last message goes through the same merge as every other source;
// a server unread count repairs feed events the client missed but never
// lowers a local count, and the open conversation stays at zero.
func (e *Engine) RefreshSummaries(ctx context.Context) error {
	summaries, err := e.store.ListSummaries(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var changed []uuid.UUID
	for _, s := range summaries {
		c := e.convLocked(s.ID)
		c.name = s.Name
		if s.LastActivityAt.After(c.lastActivity) {
			c.lastActivity = s.LastActivityAt
		}
		if s.ID != e.active && s.Unread > c.unread {
			c.unread = s.Unread
			changed = append(changed, s.ID)
		}
		if s.LastMessage != nil {
			if added := e.mergeLocked(c, []*models.Message{s.LastMessage}); len(added) > 0 {
				changed = append(changed, s.ID)
			}
		}
	}
	e.mu.Unlock()
	for _, id := range changed {
		e.emit(id)
	}
	return nil
}

// Run polls at a fixed interval until the context is cancelled: the active
// conversation's recent window plus the conversation list. Poll errors are
// transient and only logged.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if active := e.Active(); active != uuid.Nil {
				if err := e.Reconcile(ctx, active); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("MSGSYNC: reconcile %s failed: %v", active, err)
				}
			}
			if err := e.RefreshSummaries(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("MSGSYNC: summary refresh failed: %v", err)
			}
		}
	}
}

func (e *Engine) convLocked(id uuid.UUID) *conversation {
	c, ok := e.convs[id]
	if !ok {
		c = &conversation{}
		e.convs[id] = c
	}
	return c
}

// mergeLocked folds incoming persisted messages into the timeline by id:
// an existing id is replaced with the fresher copy, a new id is inserted in
// order, and nothing already shown is removed. Returns the messages whose
// ids were new.
func (e *Engine) mergeLocked(c *conversation, incoming []*models.Message) []*models.Message {
	var added []*models.Message
	for _, m := range incoming {
		if i := indexOf(c.messages, m.ID); i >= 0 {
			c.messages[i] = m
			continue
		}
		c.messages = append(c.messages, m)
		added = append(added, m)
	}
	if len(added) > 0 {
		sortLocked(c)
	}
	return added
}

// sortLocked orders persisted messages by id ascending with optimistic
// placeholders after them, preserving the order they were queued in.
func sortLocked(c *conversation) {
	sort.SliceStable(c.messages, func(i, j int) bool {
		a, b := c.messages[i], c.messages[j]
		switch {
		case a.Pending() && b.Pending():
			return false
		case a.Pending():
			return false
		case b.Pending():
			return true
		default:
			return a.ID < b.ID
		}
	})
}

func (e *Engine) removeLocked(conversationID uuid.UUID, id int64) {
	c, ok := e.convs[conversationID]
	if !ok {
		return
	}
	removeAt(c, indexOf(c.messages, id))
}

func removeAt(c *conversation, i int) {
	if i < 0 {
		return
	}
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
}

func indexOf(msgs []*models.Message, id int64) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) touchLocked(c *conversation, at time.Time) {
	if at.After(c.lastActivity) {
		c.lastActivity = at
	}
}

func (e *Engine) emit(conversationID uuid.UUID) {
	if e.OnUpdate != nil {
		e.OnUpdate(conversationID)
	}
}
