package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"planmark/internal/syncclient"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are the deployment proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades GET /ws/documents/{id} and pumps document events to
// the client until it goes away. Events published by the client are
// persisted through the hub's handler and broadcast to everyone else.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, documentID string) {
	userID := r.Header.Get("X-User-Id")
	userName := r.Header.Get("X-User-Name")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	b := h.broker(documentID)
	if b == nil {
		_ = conn.Close()
		return
	}
	ch := b.subscribe()
	h.touchPresence(r.Context(), documentID, userID, userName)
	h.log.Info().Str("document", documentID).Str("user", userID).Msg("ws subscribed")

	done := make(chan struct{})
	go h.readPump(conn, documentID, userID, userName, done)

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.unsubscribe(ch)
		h.dropPresence(r.Context(), documentID, userID)
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case payload, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages: presence announces refresh the TTL
// key, mutation events persist and rebroadcast.
func (h *Hub) readPump(conn *websocket.Conn, documentID, userID, userName string, done chan struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev syncclient.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		ctx := context.Background()
		switch ev.Event {
		case syncclient.EventPresence:
			if ev.UserID != "" {
				userID, userName = ev.UserID, ev.UserName
			}
			h.touchPresence(ctx, documentID, userID, userName)
		case syncclient.EventCreated, syncclient.EventUpdated, syncclient.EventDeleted:
			if h.onEvent != nil {
				if err := h.onEvent(ctx, documentID, ev); err != nil {
					h.log.Warn().Err(err).Str("document", documentID).Msg("socket mutation rejected")
					continue
				}
			}
			h.Broadcast(ctx, documentID, ev)
		default:
			h.log.Debug().Str("event", string(ev.Event)).Msg("unknown socket event ignored")
		}
	}
}
