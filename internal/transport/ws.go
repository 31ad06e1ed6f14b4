package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"planmark/internal/syncclient"
)

// WebSocket is the reconnecting WebSocket transport. A dropped socket
// moves it to reconnecting and it retries with doubling backoff until
// the server answers or Disconnect is called.
type WebSocket struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	closed  bool
	events  chan syncclient.Event
	done    chan struct{}
	writeMu sync.Mutex
}

// NewWebSocket builds the transport; call Connect to establish it.
func NewWebSocket(cfg Config) *WebSocket {
	cfg.defaults()
	cfg.Log = cfg.Log.With().Str("component", "transport").Str("document", cfg.DocumentID).Logger()
	return &WebSocket{
		cfg:    cfg,
		state:  StateDisconnected,
		events: make(chan syncclient.Event, 64),
		done:   make(chan struct{}),
	}
}

func (w *WebSocket) url() string {
	base := w.cfg.BaseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/documents/" + w.cfg.DocumentID
}

func (w *WebSocket) transition(next State) {
	w.mu.Lock()
	prev := w.state
	if !prev.validTransitionTo(next) {
		w.mu.Unlock()
		w.cfg.Log.Warn().Stringer("from", prev).Stringer("to", next).Msg("invalid state transition dropped")
		return
	}
	w.state = next
	w.mu.Unlock()
	if prev != next {
		w.cfg.Log.Debug().Stringer("from", prev).Stringer("to", next).Msg("transport state")
		if w.cfg.OnState != nil {
			w.cfg.OnState(next)
		}
	}
}

// State reports the current connection state.
func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Events yields remote events. The read loop closes the channel after
// Disconnect; nothing else may, since the loop is its only sender.
func (w *WebSocket) Events() <-chan syncclient.Event { return w.events }

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-User-Id", w.cfg.UserID)
	header.Set("X-User-Name", w.cfg.UserName)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.url(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Connect dials the socket, announces presence and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.transition(StateConnecting)
	conn, err := w.dial(ctx)
	if err != nil {
		w.transition(StateDisconnected)
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.transition(StateConnected)
	if err := w.announce(); err != nil {
		w.cfg.Log.Warn().Err(err).Msg("presence announce failed")
	}
	go w.readLoop()
	return nil
}

func (w *WebSocket) announce() error {
	return w.write(syncclient.Event{
		Event:      syncclient.EventPresence,
		DocumentID: w.cfg.DocumentID,
		UserID:     w.cfg.UserID,
		UserName:   w.cfg.UserName,
	})
}

func (w *WebSocket) write(ev syncclient.Event) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(ev)
}

// Publish sends a local mutation to the server.
func (w *WebSocket) Publish(_ context.Context, ev syncclient.Event) error {
	return w.write(ev)
}

func (w *WebSocket) readLoop() {
	defer close(w.events)
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}
		var ev syncclient.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if w.isClosed() {
				return
			}
			w.cfg.Log.Warn().Err(err).Msg("socket dropped")
			if !w.reconnect() {
				return
			}
			continue
		}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}

// reconnect retries with doubling backoff until the dial succeeds or the
// transport is closed. After a successful reconnect the caller's resync
// hook runs before events resume.
func (w *WebSocket) reconnect() bool {
	w.transition(StateReconnecting)
	backoff := w.cfg.MinBackoff
	for {
		select {
		case <-w.done:
			return false
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := w.dial(ctx)
		cancel()
		if err != nil {
			w.cfg.Log.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect attempt failed")
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
			continue
		}
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.transition(StateConnected)
		if err := w.announce(); err != nil {
			w.cfg.Log.Warn().Err(err).Msg("presence announce failed")
		}
		if w.cfg.OnResync != nil {
			rc, rcCancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.cfg.OnResync(rc)
			rcCancel()
		}
		return true
	}
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Disconnect closes the socket and signals the read loop, which then
// closes the events channel from its own goroutine.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	close(w.done)
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
	}
	w.transition(StateDisconnected)
	return err
}
