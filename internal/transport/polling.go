package transport

import (
	"context"
	"sync"
	"time"

	"planmark/internal/syncclient"
)

// Polling is the fallback transport: it fetches the export envelope on
// an interval and diffs consecutive snapshots into events. Local
// mutations already persist over HTTP, so Publish is a no-op.
type Polling struct {
	cfg Config
	api *syncclient.Client

	mu     sync.Mutex
	state  State
	closed bool
	known  map[string]syncclient.Record
	events chan syncclient.Event
	done   chan struct{}
}

// NewPolling builds the polling transport over the HTTP API client.
func NewPolling(cfg Config, api *syncclient.Client) *Polling {
	cfg.defaults()
	cfg.Log = cfg.Log.With().Str("component", "transport").Str("mode", "polling").Str("document", cfg.DocumentID).Logger()
	return &Polling{
		cfg:    cfg,
		api:    api,
		state:  StateDisconnected,
		known:  make(map[string]syncclient.Record),
		events: make(chan syncclient.Event, 64),
		done:   make(chan struct{}),
	}
}

// Connect primes the baseline snapshot and starts the poll loop.
func (p *Polling) Connect(ctx context.Context) error {
	p.setState(StateConnecting)
	env, err := p.api.FetchEnvelope(ctx, p.cfg.DocumentID, 0)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.mu.Lock()
	for _, r := range env.Annotations {
		p.known[r.ID] = r
	}
	p.mu.Unlock()
	p.setState(StateConnected)
	go p.loop()
	return nil
}

func (p *Polling) loop() {
	defer close(p.events)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PollInterval)
		env, err := p.api.FetchEnvelope(ctx, p.cfg.DocumentID, 0)
		cancel()
		if err != nil {
			p.cfg.Log.Warn().Err(err).Msg("poll failed")
			p.setState(StateReconnecting)
			continue
		}
		if p.State() != StateConnected {
			p.setState(StateConnected)
			if p.cfg.OnResync != nil {
				rc, rcCancel := context.WithTimeout(context.Background(), 30*time.Second)
				p.cfg.OnResync(rc)
				rcCancel()
			}
		}
		for _, ev := range p.diff(env.Annotations) {
			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}
}

// diff turns the delta between the previous and current snapshot into
// created/updated/deleted events.
func (p *Polling) diff(current []syncclient.Record) []syncclient.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []syncclient.Event
	seen := make(map[string]struct{}, len(current))
	for _, r := range current {
		seen[r.ID] = struct{}{}
		prev, ok := p.known[r.ID]
		switch {
		case !ok:
			rec := r
			out = append(out, syncclient.Event{
				Event: syncclient.EventCreated, DocumentID: p.cfg.DocumentID,
				Annotation: &rec, Rev: r.Rev,
			})
		case r.Rev > prev.Rev:
			rec := r
			out = append(out, syncclient.Event{
				Event: syncclient.EventUpdated, DocumentID: p.cfg.DocumentID,
				Annotation: &rec, Rev: r.Rev,
			})
		}
		p.known[r.ID] = r
	}
	for id := range p.known {
		if _, ok := seen[id]; !ok {
			out = append(out, syncclient.Event{
				Event: syncclient.EventDeleted, DocumentID: p.cfg.DocumentID, ID: id,
			})
			delete(p.known, id)
		}
	}
	return out
}

// Publish is a no-op: the HTTP save path already persisted the mutation
// and the next poll will observe it.
func (p *Polling) Publish(context.Context, syncclient.Event) error { return nil }

// Events yields remote events derived from snapshot diffs.
func (p *Polling) Events() <-chan syncclient.Event { return p.events }

// State reports the current connection state.
func (p *Polling) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Polling) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s && p.cfg.OnState != nil {
		p.cfg.OnState(s)
	}
}

// Disconnect stops the poll loop; the loop closes the events channel
// on its way out since it is the only sender.
func (p *Polling) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = StateDisconnected
	p.mu.Unlock()
	close(p.done)
	return nil
}
