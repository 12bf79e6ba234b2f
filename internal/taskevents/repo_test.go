package taskevents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/timeflow-backend/pkg/db/models"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.TaskEvent{}))
	return NewRepository(conn)
}

func testRecord() events.EventRecord {
	return events.NewRecord(events.TypeTaskCreated, "user-1", "task-1")
}

func TestMarkProcessedFirstDelivery(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	rec := testRecord()
	now := time.Now().UTC()

	applied, err := repo.MarkProcessed(ctx, rec, now)
	require.NoError(t, err)
	assert.True(t, applied)

	row, err := repo.Find(ctx, rec.EventID)
	require.NoError(t, err)
	require.NotNil(t, row.ProcessedAt)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.TaskID)
	assert.Equal(t, "task-1", *row.TaskID)
}

func TestMarkProcessedRedeliveryNoOps(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	rec := testRecord()
	now := time.Now().UTC()

	applied, err := repo.MarkProcessed(ctx, rec, now)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.MarkProcessed(ctx, rec, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := repo.Find(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Attempts)
}

func TestMarkProcessedAfterRecordedFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	rec := testRecord()
	now := time.Now().UTC()

	require.NoError(t, repo.RecordFailure(ctx, rec, errors.New("handler blew up"), now))

	applied, err := repo.MarkProcessed(ctx, rec, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, applied)

	row, err := repo.Find(ctx, rec.EventID)
	require.NoError(t, err)
	require.NotNil(t, row.ProcessedAt)
	assert.Equal(t, 2, row.Attempts)
	assert.Nil(t, row.LastError)
}

func TestRecordFailureAccumulatesAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	rec := testRecord()
	now := time.Now().UTC()

	require.NoError(t, repo.RecordFailure(ctx, rec, errors.New("first"), now))
	require.NoError(t, repo.RecordFailure(ctx, rec, errors.New("second"), now.Add(time.Second)))

	row, err := repo.Find(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "second", *row.LastError)
	assert.Nil(t, row.ProcessedAt)
}

func TestRecordWithoutTaskID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	rec := events.NewRecord(events.TypeTaskDeleted, "user-2", "")
	now := time.Now().UTC()

	applied, err := repo.MarkProcessed(ctx, rec, now)
	require.NoError(t, err)
	require.True(t, applied)

	row, err := repo.Find(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Nil(t, row.TaskID)
}
