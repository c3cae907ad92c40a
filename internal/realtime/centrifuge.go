package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/user/parley-back/internal/auth"
	"github.com/user/parley-back/internal/models"
	"github.com/user/parley-back/internal/signal"
)

// DataProvider loads initial state for a user
type DataProvider interface {
	GetReadyState(ctx context.Context, userID uuid.UUID) (*models.ReadyEvent, error)
}

// MembershipProvider answers conversation membership questions for channel
// authorization and presence fan-out.
type MembershipProvider interface {
	GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	GetContactIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type Node struct {
	node         *centrifuge.Node
	tokenService *auth.TokenService
	dataProvider DataProvider
	membership   MembershipProvider

	// Track online users
	onlineUsers   map[uuid.UUID]int // userID -> connection count
	onlineUsersMu sync.RWMutex
}

func NewNode(tokenService *auth.TokenService, dataProvider DataProvider, membership MembershipProvider) (*Node, error) {
	node, err := centrifuge.New(centrifuge.Config{
		LogLevel:   centrifuge.LogLevelInfo,
		LogHandler: func(e centrifuge.LogEntry) { log.Printf("[centrifuge] %s: %v", e.Message, e.Fields) },
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		node:         node,
		tokenService: tokenService,
		dataProvider: dataProvider,
		membership:   membership,
		onlineUsers:  make(map[uuid.UUID]int),
	}

	// Auth via JWT in connect request
	node.OnConnecting(func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		token := e.Token
		if token == "" {
			return centrifuge.ConnectReply{}, centrifuge.DisconnectInvalidToken
		}

		claims, err := tokenService.ValidateAccessToken(token)
		if err != nil {
			return centrifuge.ConnectReply{}, centrifuge.DisconnectInvalidToken
		}

		return centrifuge.ConnectReply{
			Credentials: &centrifuge.Credentials{
				UserID: claims.UserID.String(),
			},
		}, nil
	})

	node.OnConnect(func(client *centrifuge.Client) {
		log.Printf("Client connected: %s (user: %s)", client.ID(), client.UserID())

		userID, err := uuid.Parse(client.UserID())
		if err != nil {
			return
		}

		// Track connection and notify contacts if first connection
		wasOffline := n.addOnlineUser(userID)
		if wasOffline {
			go n.notifyPresenceChange(userID, "online")
		}

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			switch {
			case e.Channel == "user:"+client.UserID():
				n.subscribeFeed(userID, cb)
			case strings.HasPrefix(e.Channel, "call:"):
				n.subscribeCall(userID, e.Channel, cb)
			default:
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
			}
		})

		// Call channels carry client-published signal envelopes. Everything
		// else is server-published only.
		client.OnPublish(func(e centrifuge.PublishEvent, cb centrifuge.PublishCallback) {
			if !strings.HasPrefix(e.Channel, "call:") {
				cb(centrifuge.PublishReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			env, err := signal.Decode(e.Data)
			if err != nil {
				cb(centrifuge.PublishReply{}, centrifuge.ErrorBadRequest)
				return
			}
			// The sender field must match the authenticated connection; a
			// client cannot speak for another party.
			if env.From != userID {
				cb(centrifuge.PublishReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.PublishReply{}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			log.Printf("Client disconnected: %s (reason: %s)", client.ID(), e.Reason)

			wentOffline := n.removeOnlineUser(userID)
			if wentOffline {
				go n.notifyPresenceChange(userID, "offline")
			}
		})
	})

	if err := node.Run(); err != nil {
		return nil, err
	}

	return n, nil
}

func (n *Node) subscribeFeed(userID uuid.UUID, cb centrifuge.SubscribeCallback) {
	readyState, err := n.dataProvider.GetReadyState(context.Background(), userID)
	if err != nil {
		log.Printf("Failed to get ready state for user %s: %v", userID, err)
		cb(centrifuge.SubscribeReply{}, centrifuge.ErrorInternal)
		return
	}

	// Enrich conversation participants with current online status
	for _, conv := range readyState.Conversations {
		for _, participant := range conv.Participants {
			if n.IsOnline(participant.ID) {
				participant.Status = "online"
			} else {
				participant.Status = "offline"
			}
		}
	}

	// Send READY event after subscription
	go func() {
		time.Sleep(10 * time.Millisecond) // let the subscription settle
		if err := n.PublishToUser(userID, models.EventReady, readyState); err != nil {
			log.Printf("Failed to send READY to user %s: %v", userID, err)
		}
	}()

	cb(centrifuge.SubscribeReply{}, nil)
}

// subscribeCall admits conversation members to the call signaling channel.
func (n *Node) subscribeCall(userID uuid.UUID, channel string, cb centrifuge.SubscribeCallback) {
	conversationID, err := uuid.Parse(strings.TrimPrefix(channel, "call:"))
	if err != nil {
		cb(centrifuge.SubscribeReply{}, centrifuge.ErrorBadRequest)
		return
	}

	participants, err := n.membership.GetParticipantIDs(context.Background(), conversationID)
	if err != nil {
		cb(centrifuge.SubscribeReply{}, centrifuge.ErrorInternal)
		return
	}
	for _, id := range participants {
		if id == userID {
			cb(centrifuge.SubscribeReply{}, nil)
			return
		}
	}
	cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
}

// addOnlineUser adds a user connection, returns true if this is first connection (was offline)
func (n *Node) addOnlineUser(userID uuid.UUID) bool {
	n.onlineUsersMu.Lock()
	defer n.onlineUsersMu.Unlock()

	wasOffline := n.onlineUsers[userID] == 0
	n.onlineUsers[userID]++
	return wasOffline
}

// removeOnlineUser removes a user connection, returns true if no more connections (went offline)
func (n *Node) removeOnlineUser(userID uuid.UUID) bool {
	n.onlineUsersMu.Lock()
	defer n.onlineUsersMu.Unlock()

	n.onlineUsers[userID]--
	if n.onlineUsers[userID] <= 0 {
		delete(n.onlineUsers, userID)
		return true
	}
	return false
}

// IsOnline checks if a user is currently online
func (n *Node) IsOnline(userID uuid.UUID) bool {
	n.onlineUsersMu.RLock()
	defer n.onlineUsersMu.RUnlock()
	return n.onlineUsers[userID] > 0
}

// notifyPresenceChange notifies everyone sharing a conversation with the
// user about their status change
func (n *Node) notifyPresenceChange(userID uuid.UUID, status string) {
	contactIDs, err := n.membership.GetContactIDs(context.Background(), userID)
	if err != nil {
		log.Printf("Failed to get contact IDs for presence update: %v", err)
		return
	}

	event := &models.PresenceUpdateEvent{
		UserID: userID,
		Status: status,
	}

	n.PublishToUsers(contactIDs, models.EventPresenceUpdate, event)
}

func (n *Node) Shutdown(ctx context.Context) error {
	return n.node.Shutdown(ctx)
}

func (n *Node) WebsocketHandler() http.Handler {
	wsHandler := centrifuge.NewWebsocketHandler(n.node, centrifuge.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	})
	return wsHandler
}

func (n *Node) PublishToUser(userID uuid.UUID, eventType string, data interface{}) error {
	channel := "user:" + userID.String()

	payload, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		return err
	}

	_, err = n.node.Publish(channel, payload)
	return err
}

func (n *Node) PublishToUsers(userIDs []uuid.UUID, eventType string, data interface{}) {
	for _, userID := range userIDs {
		if err := n.PublishToUser(userID, eventType, data); err != nil {
			log.Printf("Failed to publish to user %s: %v", userID, err)
		}
	}
}

// PublishSignal emits a server-originated envelope on a call channel, e.g.
// the call-ended broadcast when a call resolves via the REST API.
func (n *Node) PublishSignal(env signal.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = n.node.Publish(signal.CallTopic(env.ConversationID.String()), payload)
	return err
}
