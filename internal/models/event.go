package models

import (
	"time"
)

// OutboxEvent is written in the same transaction as the change it announces
// and published to the event bus by the relay.
type OutboxEvent struct {
	ID          string `gorm:"primaryKey;size:36"`
	Kind        string `gorm:"size:64;not null;index"`
	Payload     []byte `gorm:"not null"`
	Attempts    int    `gorm:"not null;default:0"`
	LastError   string `gorm:"size:1024"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

func (OutboxEvent) TableName() string {
	return "event_outbox"
}

// ProcessedEvent records an event id once its effect has been committed.
type ProcessedEvent struct {
	EventID     string `gorm:"primaryKey;size:36"`
	Kind        string `gorm:"size:64;not null"`
	ProcessedAt time.Time
}
