package journal

import (
	"time"

	"gorm.io/gorm"
)

// EventRecord is a committed pool event as persisted by the journal.
type EventRecord struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IdempotencyKey stores the response replayed for a repeated manifest
// submission.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Subject   string `gorm:"size:128;index"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&IdempotencyKey{},
	)
}
