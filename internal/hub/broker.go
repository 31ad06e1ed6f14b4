package hub

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"planmark/internal/metrics"
	"planmark/internal/syncclient"
)

// broker fans events out to every subscriber of one document.
//
// Concurrency model: a single internal goroutine owns the client set.
// Public methods talk to it through channels, so no mutexes are needed.
type broker struct {
	documentID string
	log        zerolog.Logger

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan syncclient.Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func newBroker(documentID string, log zerolog.Logger) *broker {
	b := &broker{
		documentID:    documentID,
		log:           log.With().Str("document", documentID).Logger(),
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan syncclient.Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}
			metrics.SubscribersGauge.Inc()

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
				metrics.SubscribersGauge.Dec()
			}

		case ev := <-b.publishCh:
			payload, err := json.Marshal(ev)
			if err != nil {
				b.log.Error().Err(err).Msg("encode broadcast")
				continue
			}
			metrics.BroadcastsTotal.Inc()
			for ch := range clients {
				select {
				case ch <- payload:
				default:
					// Client buffer full; skip to avoid blocking the loop.
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

func (b *broker) close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

func (b *broker) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

func (b *broker) unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

func (b *broker) publish(ev syncclient.Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

func (b *broker) clientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}
