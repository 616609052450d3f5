package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of state changes recorded in the event log.
type EventType uint8

const (
	EventReceived EventType = iota + 1
	EventRead
	EventUnread
	EventDeleted
	EventMoved
	EventSnapshotCreated
)

var eventTypeNames = map[EventType]string{
	EventReceived:        "received",
	EventRead:            "read",
	EventUnread:          "unread",
	EventDeleted:         "deleted",
	EventMoved:           "moved",
	EventSnapshotCreated: "snapshot_created",
}

// String returns the stable name of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// ParseEventType converts a stable name back to an EventType.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, ErrInvalidArgument.WithDetailsf("unknown event type %q", name)
}

// EventTypes lists every event type in declaration order.
func EventTypes() []EventType {
	return []EventType{EventReceived, EventRead, EventUnread, EventDeleted, EventMoved, EventSnapshotCreated}
}

// Payload is the typed body of an event. The set of implementations is
// closed to this package.
type Payload interface {
	Type() EventType
	sealed()
}

// Received records discovery of a new remote item.
type Received struct {
	Item MailItem `json:"item"`
}

// Read records the item being marked as read.
type Read struct{}

// Unread records the item being marked as unread.
type Unread struct{}

// Deleted records the item being deleted.
type Deleted struct{}

// Moved records the item being moved between folders.
type Moved struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SnapshotCreated records a materialized snapshot.
type SnapshotCreated struct {
	SnapshotID       string `json:"snapshot_id"`
	ItemCount        int    `json:"item_count"`
	BoundarySequence uint64 `json:"boundary_sequence"`
}

func (Received) Type() EventType        { return EventReceived }
func (Read) Type() EventType            { return EventRead }
func (Unread) Type() EventType          { return EventUnread }
func (Deleted) Type() EventType         { return EventDeleted }
func (Moved) Type() EventType           { return EventMoved }
func (SnapshotCreated) Type() EventType { return EventSnapshotCreated }

func (Received) sealed()        {}
func (Read) sealed()            {}
func (Unread) sealed()          {}
func (Deleted) sealed()         {}
func (Moved) sealed()           {}
func (SnapshotCreated) sealed() {}

// Event is an immutable entry of the event log.
type Event struct {
	Sequence  uint64
	SubjectID string
	Partition string
	Timestamp time.Time
	Payload   Payload
}

// Type returns the event type derived from the payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Type()
}

// eventRecord is the JSON form of an Event.
type eventRecord struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	SubjectID string          `json:"subject_id"`
	Partition string          `json:"partition"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event with its type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrInvalidArgument.WithDetails("event has no payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventRecord{
		Sequence:  e.Sequence,
		Type:      e.Type().String(),
		SubjectID: e.SubjectID,
		Partition: e.Partition,
		Timestamp: e.Timestamp.UnixMilli(),
		Payload:   payload,
	})
}

// UnmarshalJSON decodes an event using its type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	t, err := ParseEventType(rec.Type)
	if err != nil {
		return err
	}
	payload, err := DecodePayload(t, rec.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Sequence:  rec.Sequence,
		SubjectID: rec.SubjectID,
		Partition: rec.Partition,
		Timestamp: time.UnixMilli(rec.Timestamp).UTC(),
		Payload:   payload,
	}
	return nil
}

// DecodePayload decodes a JSON payload for the given event type.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case EventReceived:
		var r Received
		if err := unmarshalPayload(data, &r); err != nil {
			return nil, err
		}
		p = r
	case EventRead:
		p = Read{}
	case EventUnread:
		p = Unread{}
	case EventDeleted:
		p = Deleted{}
	case EventMoved:
		var m Moved
		if err := unmarshalPayload(data, &m); err != nil {
			return nil, err
		}
		p = m
	case EventSnapshotCreated:
		var s SnapshotCreated
		if err := unmarshalPayload(data, &s); err != nil {
			return nil, err
		}
		p = s
	default:
		return nil, ErrInvalidArgument.WithDetailsf("unknown event type %d", uint8(t))
	}
	return p, nil
}

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ValidateAppend checks the arguments of an event append.
func ValidateAppend(subjectID string, payload Payload) error {
	if subjectID == "" {
		return ErrMissingArgument.WithDetails("subject id is required")
	}
	if payload == nil || !payload.Type().Valid() {
		return ErrInvalidArgument.WithDetails("event payload is required")
	}
	return nil
}
