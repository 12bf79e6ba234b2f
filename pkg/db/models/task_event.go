package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskEvent is the dedup ledger row the worker marks events against. One row
// per eventId; processed_at set exactly once.
type TaskEvent struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	EventID     string     `gorm:"column:event_id;uniqueIndex;not null"`
	EventType   string     `gorm:"column:event_type;not null"`
	UserID      string     `gorm:"column:user_id;not null"`
	TaskID      *string    `gorm:"column:task_id"`
	OccurredAt  time.Time  `gorm:"column:occurred_at;not null"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
	Attempts    int        `gorm:"column:attempts;not null;default:0"`
	LastError   *string    `gorm:"column:last_error"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name for GORM.
func (TaskEvent) TableName() string {
	return "task_events"
}
