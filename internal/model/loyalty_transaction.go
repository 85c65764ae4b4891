package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType is the closed set of ledger events.
type TransactionType string

const (
	TransactionEarn   TransactionType = "earn"
	TransactionRedeem TransactionType = "redeem"
)

// Valid reports whether t is a known ledger event type.
func (t TransactionType) Valid() bool {
	return t == TransactionEarn || t == TransactionRedeem
}

// LoyaltyTransaction is one append-only entry of the points ledger.
// Points is always positive; the sign follows Type.
type LoyaltyTransaction struct {
	ID             string           `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID       string           `gorm:"type:uuid;not null;index:idx_loyalty_tx_client_created,priority:1;uniqueIndex:uniq_loyalty_tx_idem,priority:1" json:"clientId"`
	Type           TransactionType  `gorm:"size:16;not null;uniqueIndex:uniq_loyalty_tx_idem,priority:2" json:"type"`
	Points         int64            `gorm:"not null" json:"points"`
	Amount         *decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount"`
	RewardID       *string          `gorm:"type:uuid" json:"rewardId,omitempty"`
	Description    string           `gorm:"size:255" json:"description"`
	BalanceBefore  int64            `gorm:"not null" json:"balanceBefore"`
	BalanceAfter   int64            `gorm:"not null" json:"balanceAfter"`
	IdempotencyKey *string          `gorm:"size:64;uniqueIndex:uniq_loyalty_tx_idem,priority:3" json:"-"`
	CreatedAt      time.Time        `gorm:"not null;index:idx_loyalty_tx_client_created,priority:2" json:"createdAt"`
}

func (LoyaltyTransaction) TableName() string { return "loyalty_transactions" }

func (t *LoyaltyTransaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Signed returns the balance delta the entry represents.
func (t LoyaltyTransaction) Signed() int64 {
	if t.Type == TransactionRedeem {
		return -t.Points
	}
	return t.Points
}
