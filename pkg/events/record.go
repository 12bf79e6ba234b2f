package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion tags the current wire layout of published events.
const SchemaVersion = "1"

// Field names used on the stream. Every value is string-encoded.
const (
	FieldVersion   = "version"
	FieldEventID   = "eventId"
	FieldType      = "type"
	FieldUserID    = "userId"
	FieldTaskID    = "taskId"
	FieldCreatedAt = "createdAt"
)

// Business event kinds carried on the stream.
const (
	TypeTaskCreated   = "TASK_CREATED"
	TypeTaskUpdated   = "TASK_UPDATED"
	TypeTaskCompleted = "TASK_COMPLETED"
	TypeTaskDeleted   = "TASK_DELETED"
)

// EventRecord is one domain occurrence to be processed asynchronously.
// EventID is the idempotency key: consumers must treat a re-delivered
// EventID as already handled.
type EventRecord struct {
	EventID   string
	Type      string
	UserID    string
	TaskID    string // optional, empty when the event has no task
	CreatedAt time.Time
	Version   string
}

// NewRecord builds an EventRecord stamped with a fresh event ID and origin time.
func NewRecord(eventType, userID, taskID string) EventRecord {
	return EventRecord{
		EventID:   uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
		Version:   SchemaVersion,
	}
}

// KnownType reports whether the type is one the pipeline routes. Decoding
// stays permissive; this is for surfaces that originate events.
func KnownType(eventType string) bool {
	switch eventType {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskCompleted, TypeTaskDeleted:
		return true
	}
	return false
}

// Validate checks the record carries the fields the wire contract requires.
func (r EventRecord) Validate() error {
	if r.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if r.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}
	return nil
}

// Encode renders the record as the flat string field list appended to the
// stream. TaskID is included only when present.
func (r EventRecord) Encode() map[string]string {
	version := r.Version
	if version == "" {
		version = SchemaVersion
	}
	fields := map[string]string{
		FieldVersion:   version,
		FieldEventID:   r.EventID,
		FieldType:      r.Type,
		FieldUserID:    r.UserID,
		FieldCreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.TaskID != "" {
		fields[FieldTaskID] = r.TaskID
	}
	return fields
}

// DecodeRecord parses a stream field list back into an EventRecord. Unknown
// fields are ignored for forward compatibility.
func DecodeRecord(fields map[string]string) (EventRecord, error) {
	rec := EventRecord{
		EventID: fields[FieldEventID],
		Type:    fields[FieldType],
		UserID:  fields[FieldUserID],
		TaskID:  fields[FieldTaskID],
		Version: fields[FieldVersion],
	}
	if raw := fields[FieldCreatedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return EventRecord{}, fmt.Errorf("parsing createdAt %q: %w", raw, err)
		}
		rec.CreatedAt = ts
	}
	if err := rec.Validate(); err != nil {
		return EventRecord{}, err
	}
	return rec, nil
}
