// Package transport moves annotation events between an editing session
// and the server. The primary transport is a reconnecting WebSocket; a
// polling transport substitutes when the socket cannot be established.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"planmark/internal/syncclient"
)

// Reconnect backoff bounds: the delay starts at the minimum and doubles
// per failed attempt up to the maximum.
const (
	ReconnectMinBackoff = 500 * time.Millisecond
	ReconnectMaxBackoff = 30 * time.Second

	// DefaultPollInterval drives the polling fallback.
	DefaultPollInterval = 5 * time.Second
)

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

func (s State) validTransitionTo(next State) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting || next == StateDisconnected
	case StateConnecting:
		return next == StateConnected || next == StateReconnecting || next == StateDisconnected
	case StateConnected:
		return next == StateReconnecting || next == StateDisconnected
	case StateReconnecting:
		return next == StateConnected || next == StateReconnecting || next == StateDisconnected
	}
	return false
}

// Transport is the session's pipe to the server.
type Transport interface {
	// Connect establishes the transport. It returns once the first
	// connection attempt resolves; later drops are handled internally.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down and closes Events.
	Disconnect() error
	// Publish sends a local mutation event to the server.
	Publish(ctx context.Context, ev syncclient.Event) error
	// Events yields remote mutation events.
	Events() <-chan syncclient.Event
	// State reports the current connection state.
	State() State
}

// Config wires either transport implementation.
type Config struct {
	// BaseURL is the API origin, e.g. "http://host:8080". The WebSocket
	// transport derives its ws:// URL from it.
	BaseURL    string
	DocumentID string
	UserID     string
	UserName   string

	// OnResync fires after each successful reconnect, before remote
	// events resume. Callers fetch the authoritative set and replay the
	// offline queue here.
	OnResync func(ctx context.Context)
	// OnState observes connection state transitions.
	OnState func(State)

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration

	Log zerolog.Logger
}

func (c *Config) defaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = ReconnectMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = ReconnectMaxBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Dial connects the WebSocket transport, substituting the polling
// transport when the socket cannot be established. Substitution is a
// capability downgrade, not an error.
func Dial(ctx context.Context, cfg Config, api *syncclient.Client) (Transport, error) {
	cfg.defaults()
	ws := NewWebSocket(cfg)
	if err := ws.Connect(ctx); err == nil {
		return ws, nil
	} else {
		cfg.Log.Info().Err(err).Msg("websocket unavailable, falling back to polling")
	}
	p := NewPolling(cfg, api)
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("transport: no transport available: %w", err)
	}
	return p, nil
}
