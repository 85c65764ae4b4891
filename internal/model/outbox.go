package model

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox event types emitted by the ledger.
const (
	EventPointsEarned   = "points.earned"
	EventPointsRedeemed = "points.redeemed"
)

type OutboxEvent struct {
	ID          uint64         `gorm:"primaryKey"`
	Aggregate   string         `gorm:"size:64;not null"`
	AggregateID string         `gorm:"size:64;not null"`
	EventType   string         `gorm:"size:64;not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	Processed   bool           `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
