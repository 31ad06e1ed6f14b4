package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"planmark/internal/syncclient"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func wsServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		documentID := strings.TrimPrefix(r.URL.Path, "/ws/documents/")
		h.ServeWS(w, r, documentID)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, documentID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/documents/" + documentID
	header := http.Header{}
	header.Set("X-User-Id", userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) syncclient.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev syncclient.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func createdEvent(id string, rev int64) syncclient.Event {
	return syncclient.Event{
		Event:      syncclient.EventCreated,
		Annotation: &syncclient.Record{ID: id, Type: "room", RoomID: "room_1", X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2, Rev: rev},
		Rev:        rev,
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := New(nil, nil, zerolog.Nop())
	defer h.Close()
	ts := wsServer(t, h)

	a := dialWS(t, ts, "doc_1", "usr_a")
	b := dialWS(t, ts, "doc_1", "usr_b")
	other := dialWS(t, ts, "doc_2", "usr_c")

	waitCond(t, func() bool { return h.SubscriberCount("doc_1") == 2 })

	h.Broadcast(context.Background(), "doc_1", createdEvent("ann_1", 1))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		if ev.Event != syncclient.EventCreated || ev.Annotation.ID != "ann_1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.DocumentID != "doc_1" {
			t.Fatalf("broadcast must stamp the document id, got %q", ev.DocumentID)
		}
	}

	// The other document's subscriber sees nothing.
	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray syncclient.Event
	if err := other.ReadJSON(&stray); err == nil {
		t.Fatalf("doc_2 subscriber received doc_1 event: %+v", stray)
	}
}

func TestRedisFanoutBetweenInstances(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})

	hubA := New(rdbA, nil, zerolog.Nop())
	defer hubA.Close()
	hubB := New(rdbB, nil, zerolog.Nop())
	defer hubB.Close()

	ts := wsServer(t, hubB)
	conn := dialWS(t, ts, "doc_1", "usr_b")
	waitCond(t, func() bool { return hubB.SubscriberCount("doc_1") == 1 })

	// Published on instance A, received by instance B's subscriber.
	hubA.Broadcast(context.Background(), "doc_1", createdEvent("ann_9", 3))

	ev := readEvent(t, conn)
	if ev.Annotation == nil || ev.Annotation.ID != "ann_9" {
		t.Fatalf("fanout event not delivered: %+v", ev)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	h := New(rdb, nil, zerolog.Nop())
	defer h.Close()
	ts := wsServer(t, h)

	conn := dialWS(t, ts, "doc_1", "usr_a")
	_ = conn

	waitCond(t, func() bool {
		entries, err := h.Presence(context.Background(), "doc_1")
		return err == nil && len(entries) == 1
	})
	entries, err := h.Presence(context.Background(), "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].UserID != "usr_a" {
		t.Fatalf("presence entry = %+v", entries[0])
	}

	// Keys age out by TTL when a client vanishes without a clean close.
	s.FastForward(2 * presenceTTL)
	entries, err = h.Presence(context.Background(), "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected presence to expire, got %+v", entries)
	}
}

func TestSocketMutationPersistsAndRebroadcasts(t *testing.T) {
	var mu sync.Mutex
	var handled []syncclient.Event
	handler := func(_ context.Context, documentID string, ev syncclient.Event) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, ev)
		return nil
	}
	h := New(testRedis(t), handler, zerolog.Nop())
	defer h.Close()
	ts := wsServer(t, h)

	sender := dialWS(t, ts, "doc_1", "usr_a")
	receiver := dialWS(t, ts, "doc_1", "usr_b")
	waitCond(t, func() bool { return h.SubscriberCount("doc_1") == 2 })

	if err := sender.WriteJSON(createdEvent("ann_5", 1)); err != nil {
		t.Fatal(err)
	}

	ev := readEvent(t, receiver)
	if ev.Annotation == nil || ev.Annotation.ID != "ann_5" {
		t.Fatalf("rebroadcast missing: %+v", ev)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0].Annotation.ID != "ann_5" {
		t.Fatalf("handler not invoked: %+v", handled)
	}
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
