// Package hub broadcasts annotation events to the WebSocket subscribers
// of each document, fanning out across API instances through Redis
// pub/sub and tracking presence with TTL keys.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"planmark/internal/syncclient"
	"planmark/internal/util"
)

const (
	channelPrefix  = "planmark:doc:"
	presencePrefix = "planmark:presence:"
	presenceTTL    = 60 * time.Second
)

// EventHandler persists a mutation event published by a client over its
// socket. The HTTP API is the primary mutation path; this covers
// socket-published edits.
type EventHandler func(ctx context.Context, documentID string, ev syncclient.Event) error

// Hub owns the per-document brokers.
type Hub struct {
	instanceID string
	rdb        *redis.Client
	onEvent    EventHandler
	log        zerolog.Logger

	mu      sync.Mutex
	brokers map[string]*broker
	closed  bool

	subCancel context.CancelFunc
	subDone   chan struct{}
}

// New builds a hub. rdb may be nil for single-instance deployments;
// onEvent may be nil to make the hub broadcast-only.
func New(rdb *redis.Client, onEvent EventHandler, log zerolog.Logger) *Hub {
	h := &Hub{
		instanceID: util.NewID("hub"),
		rdb:        rdb,
		onEvent:    onEvent,
		log:        log.With().Str("component", "hub").Logger(),
		brokers:    make(map[string]*broker),
	}
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.subCancel = cancel
		h.subDone = make(chan struct{})
		go h.relay(ctx)
	}
	return h
}

func (h *Hub) broker(documentID string) *broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	b, ok := h.brokers[documentID]
	if !ok {
		b = newBroker(documentID, h.log)
		h.brokers[documentID] = b
	}
	return b
}

// fanoutMessage wraps an event for the Redis channel so instances can
// skip their own publications.
type fanoutMessage struct {
	Origin string           `json:"origin"`
	Event  syncclient.Event `json:"event"`
}

// Broadcast delivers an event to the document's local subscribers and to
// peer instances over Redis.
func (h *Hub) Broadcast(ctx context.Context, documentID string, ev syncclient.Event) {
	ev.DocumentID = documentID
	if b := h.broker(documentID); b != nil {
		b.publish(ev)
	}
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(fanoutMessage{Origin: h.instanceID, Event: ev})
	if err != nil {
		h.log.Error().Err(err).Msg("encode fanout")
		return
	}
	if err := h.rdb.Publish(ctx, channelPrefix+documentID, payload).Err(); err != nil {
		h.log.Warn().Err(err).Str("document", documentID).Msg("redis fanout failed")
	}
}

// relay forwards peer-instance publications into the local brokers.
func (h *Hub) relay(ctx context.Context) {
	defer close(h.subDone)
	sub := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = sub.Close() }()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Warn().Err(err).Msg("redis subscribe error")
			continue
		}
		var fm fanoutMessage
		if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
			h.log.Warn().Err(err).Msg("bad fanout payload")
			continue
		}
		if fm.Origin == h.instanceID {
			continue
		}
		documentID := strings.TrimPrefix(msg.Channel, channelPrefix)
		if b := h.broker(documentID); b != nil {
			b.publish(fm.Event)
		}
	}
}

// PresenceEntry is one user currently editing a document.
type PresenceEntry struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	SeenAt   time.Time `json:"seenAt"`
}

func presenceKey(documentID, userID string) string {
	return presencePrefix + documentID + ":" + userID
}

// touchPresence refreshes a user's presence key.
func (h *Hub) touchPresence(ctx context.Context, documentID, userID, userName string) {
	if h.rdb == nil || userID == "" {
		return
	}
	entry := PresenceEntry{UserID: userID, UserName: userName, SeenAt: time.Now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := h.rdb.Set(ctx, presenceKey(documentID, userID), payload, presenceTTL).Err(); err != nil {
		h.log.Warn().Err(err).Msg("presence write failed")
	}
}

func (h *Hub) dropPresence(ctx context.Context, documentID, userID string) {
	if h.rdb == nil || userID == "" {
		return
	}
	if err := h.rdb.Del(ctx, presenceKey(documentID, userID)).Err(); err != nil {
		h.log.Warn().Err(err).Msg("presence delete failed")
	}
}

// Presence lists the users currently on a document. Expired keys age out
// via TTL.
func (h *Hub) Presence(ctx context.Context, documentID string) ([]PresenceEntry, error) {
	if h.rdb == nil {
		return nil, nil
	}
	keys, err := h.rdb.Keys(ctx, presencePrefix+documentID+":*").Result()
	if err != nil {
		return nil, err
	}
	entries := make([]PresenceEntry, 0, len(keys))
	for _, key := range keys {
		payload, err := h.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SubscriberCount reports the local subscribers on a document.
func (h *Hub) SubscriberCount(documentID string) int {
	h.mu.Lock()
	b, ok := h.brokers[documentID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return b.clientCount()
}

// Close stops the relay and every broker.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	brokers := make([]*broker, 0, len(h.brokers))
	for _, b := range h.brokers {
		brokers = append(brokers, b)
	}
	h.mu.Unlock()

	if h.subCancel != nil {
		h.subCancel()
		<-h.subDone
	}
	for _, b := range brokers {
		b.close()
	}
}
