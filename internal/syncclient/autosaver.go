package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"planmark/internal/annotation"
)

// DefaultDebounce is how long the autosaver waits after the last
// mutation before writing. Bursts inside the window coalesce into one
// save.
const DefaultDebounce = 2 * time.Second

// Status is the save-state surfaced to the UI.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// SaveFunc persists one envelope and returns the provisional-id to
// server-id mapping for any newly created annotations.
type SaveFunc func(ctx context.Context, env Envelope) (map[string]string, error)

// Autosaver debounces local mutations into envelope saves. While the
// transport reports offline, payloads divert to the spill queue instead;
// ReplayQueue drains them in order after reconnect. Callbacks fire on the
// autosaver's own goroutine.
type Autosaver struct {
	documentID string
	debounce   time.Duration
	save       SaveFunc
	online     func() bool
	queue      *Queue
	onStatus   func(Status)
	onAdopt    func(map[string]string)
	log        zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending []annotation.Annotation
	dirty   bool
	status  Status
	closed  bool
}

// AutosaverConfig wires an Autosaver. Save and Online are required;
// Queue is required for offline operation. OnStatus and OnAdopt are
// optional.
type AutosaverConfig struct {
	DocumentID string
	Debounce   time.Duration
	Save       SaveFunc
	Online     func() bool
	Queue      *Queue
	OnStatus   func(Status)
	OnAdopt    func(map[string]string)
	Log        zerolog.Logger
}

func NewAutosaver(cfg AutosaverConfig) *Autosaver {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Autosaver{
		documentID: cfg.DocumentID,
		debounce:   cfg.Debounce,
		save:       cfg.Save,
		online:     cfg.Online,
		queue:      cfg.Queue,
		onStatus:   cfg.OnStatus,
		onAdopt:    cfg.OnAdopt,
		log:        cfg.Log.With().Str("component", "autosaver").Str("document", cfg.DocumentID).Logger(),
		status:     StatusIdle,
	}
}

// MutationApplied implements editor.Notifier. The latest full set wins;
// each call restarts the debounce window.
func (a *Autosaver) MutationApplied(anns []annotation.Annotation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pending = anns
	a.dirty = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.flushTimer)
}

func (a *Autosaver) flushTimer() {
	if err := a.Flush(context.Background()); err != nil {
		a.log.Warn().Err(err).Msg("autosave failed")
	}
}

// Flush writes any dirty state immediately, bypassing the debounce
// window. Offline payloads go to the queue; failed saves stay dirty and
// retry on the next window.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || !a.dirty {
		a.mu.Unlock()
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	env := Export(a.documentID, a.pending, 0)
	a.dirty = false
	a.mu.Unlock()

	if a.online != nil && !a.online() {
		if a.queue == nil {
			a.markDirty()
			a.setStatus(StatusOffline)
			return ErrOffline
		}
		if err := a.queue.Enqueue(env); err != nil {
			a.markDirty()
			a.setStatus(StatusError)
			return err
		}
		a.setStatus(StatusOffline)
		a.log.Debug().Int("annotations", len(env.Annotations)).Msg("save queued offline")
		return nil
	}

	a.setStatus(StatusSaving)
	mapping, err := a.save(ctx, env)
	if err != nil {
		a.markDirty()
		a.retryLater()
		a.setStatus(StatusError)
		return err
	}
	if a.onAdopt != nil && len(mapping) > 0 {
		a.onAdopt(mapping)
	}
	a.settle()
	return nil
}

// ReplayQueue drains the offline queue in FIFO order. The saved status
// is reached only after every queued item is acknowledged.
func (a *Autosaver) ReplayQueue(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	items, err := a.queue.Pending()
	if err != nil {
		return err
	}
	for _, it := range items {
		a.setStatus(StatusSaving)
		mapping, err := a.save(ctx, it.Envelope)
		if err != nil {
			a.setStatus(StatusError)
			return err
		}
		if a.onAdopt != nil && len(mapping) > 0 {
			a.onAdopt(mapping)
		}
		if err := a.queue.Ack(it.Seq); err != nil {
			return err
		}
	}
	if len(items) > 0 {
		a.log.Info().Int("items", len(items)).Msg("offline queue replayed")
	}
	a.settle()
	return nil
}

// settle moves to saved only when nothing is dirty and nothing is queued.
func (a *Autosaver) settle() {
	a.mu.Lock()
	dirty := a.dirty
	a.mu.Unlock()
	if dirty {
		return
	}
	if a.queue != nil {
		if n, err := a.queue.Len(); err == nil && n > 0 {
			return
		}
	}
	a.setStatus(StatusSaved)
}

func (a *Autosaver) markDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

func (a *Autosaver) retryLater() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.flushTimer)
}

// Status reports the current save state.
func (a *Autosaver) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Autosaver) setStatus(s Status) {
	a.mu.Lock()
	changed := a.status != s
	a.status = s
	a.mu.Unlock()
	if changed && a.onStatus != nil {
		a.onStatus(s)
	}
}

// Close stops the debounce timer. Dirty state is not flushed; callers
// wanting a final write should Flush first.
func (a *Autosaver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
