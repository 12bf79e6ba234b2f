package taskevents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/timeflow-backend/pkg/db"
	"github.com/angelmondragon/timeflow-backend/pkg/db/models"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
)

// Repository is the dedup ledger the worker marks consumed events against.
// MarkProcessed is idempotent: redelivery of an already-processed event is a
// no-op, which keeps the consumer safe under at-least-once delivery.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	MarkProcessed(ctx context.Context, rec events.EventRecord, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, rec events.EventRecord, handleErr error, now time.Time) error
	Find(ctx context.Context, eventID string) (*models.TaskEvent, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a task-event ledger bound to the provided database.
func NewRepository(conn *gorm.DB) Repository {
	return &repositoryImpl{db: conn}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) MarkProcessed(ctx context.Context, rec events.EventRecord, now time.Time) (bool, error) {
	row := newRow(rec)
	row.ProcessedAt = &now
	row.Attempts = 1

	err := r.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return true, nil
	}
	if !db.IsUniqueViolation(err, "") {
		return false, err
	}

	// Row exists from a prior delivery or a recorded failure. Only an
	// unprocessed row transitions; a processed one stays untouched.
	res := r.db.WithContext(ctx).
		Model(&models.TaskEvent{}).
		Where("event_id = ? AND processed_at IS NULL", rec.EventID).
		Updates(map[string]any{
			"processed_at": now,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repositoryImpl) RecordFailure(ctx context.Context, rec events.EventRecord, handleErr error, now time.Time) error {
	msg := handleErr.Error()

	row := newRow(rec)
	row.Attempts = 1
	row.LastError = &msg

	err := r.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err, "") {
		return err
	}

	return r.db.WithContext(ctx).
		Model(&models.TaskEvent{}).
		Where("event_id = ?", rec.EventID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
}

func (r *repositoryImpl) Find(ctx context.Context, eventID string) (*models.TaskEvent, error) {
	var row models.TaskEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func newRow(rec events.EventRecord) models.TaskEvent {
	row := models.TaskEvent{
		ID:         uuid.New(),
		EventID:    rec.EventID,
		EventType:  rec.Type,
		UserID:     rec.UserID,
		OccurredAt: rec.CreatedAt,
	}
	if rec.TaskID != "" {
		taskID := rec.TaskID
		row.TaskID = &taskID
	}
	return row
}
