package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Client is the balance projection of a loyalty customer. PointsBalance is
// only ever written by the ledger operations.
type Client struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"size:128;not null" json:"name"`
	Email         string    `gorm:"size:128" json:"email,omitempty"`
	PointsBalance int64     `gorm:"not null;default:0;check:chk_clients_points_non_negative,points_balance >= 0" json:"pointsBalance"`
	Version       uint64    `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Client) TableName() string { return "clients" }

func (c *Client) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
