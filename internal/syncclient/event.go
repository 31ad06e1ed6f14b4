package syncclient

// EventKind tags a broadcast mutation.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
	EventPresence EventKind = "presence"
)

// Event is one broadcast annotation mutation as carried over the
// WebSocket hub and the Redis fan-out channel. Created and updated events
// carry the full record; deleted events carry only the id. Presence
// events carry the user fields and are sent by a client right after the
// socket opens.
type Event struct {
	Event      EventKind `json:"event"`
	DocumentID string    `json:"documentId"`
	Annotation *Record   `json:"annotation,omitempty"`
	ID         string    `json:"id,omitempty"`
	Rev        int64     `json:"rev,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	UserName   string    `json:"userName,omitempty"`
}
