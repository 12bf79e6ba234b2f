package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeIncludesTaskIDOnlyWhenPresent(t *testing.T) {
	rec := EventRecord{
		EventID:   "evt-1",
		Type:      TypeTaskCompleted,
		UserID:    "user-1",
		TaskID:    "task-9",
		CreatedAt: time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
		Version:   SchemaVersion,
	}

	fields := rec.Encode()
	require.Equal(t, "1", fields[FieldVersion])
	require.Equal(t, "evt-1", fields[FieldEventID])
	require.Equal(t, TypeTaskCompleted, fields[FieldType])
	require.Equal(t, "user-1", fields[FieldUserID])
	require.Equal(t, "task-9", fields[FieldTaskID])
	require.Equal(t, "2026-08-31T10:00:00Z", fields[FieldCreatedAt])

	rec.TaskID = ""
	fields = rec.Encode()
	_, ok := fields[FieldTaskID]
	require.False(t, ok, "taskId must be omitted when absent")
}

func TestEncodeDefaultsVersion(t *testing.T) {
	rec := NewRecord(TypeTaskCreated, "user-1", "")
	rec.Version = ""
	require.Equal(t, SchemaVersion, rec.Encode()[FieldVersion])
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	rec := NewRecord(TypeTaskCreated, "user-2", "task-4")

	decoded, err := DecodeRecord(rec.Encode())
	require.NoError(t, err)
	require.Equal(t, rec.EventID, decoded.EventID)
	require.Equal(t, rec.Type, decoded.Type)
	require.Equal(t, rec.UserID, decoded.UserID)
	require.Equal(t, rec.TaskID, decoded.TaskID)
	require.True(t, rec.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeRecordIgnoresUnknownFields(t *testing.T) {
	fields := NewRecord(TypeTaskCreated, "user-2", "").Encode()
	fields["replay"] = "true"
	fields["dlqId"] = "123-0"

	decoded, err := DecodeRecord(fields)
	require.NoError(t, err)
	require.Equal(t, fields[FieldEventID], decoded.EventID)
}

func TestDecodeRecordRejectsMissingEventID(t *testing.T) {
	fields := NewRecord(TypeTaskCreated, "user-2", "").Encode()
	delete(fields, FieldEventID)

	_, err := DecodeRecord(fields)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	rec := NewRecord(TypeTaskCreated, "user-1", "")
	require.NoError(t, rec.Validate())

	rec.UserID = ""
	require.Error(t, rec.Validate())
}
