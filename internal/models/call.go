package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallStatus is the lifecycle state of a call document written by clients.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusEnded    CallStatus = "ended"
)

type Call struct {
	ID         string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallerID   string     `gorm:"type:varchar(128);index" json:"callerId"`
	CalleeID   string     `gorm:"type:varchar(128);index" json:"calleeId"`
	Status     CallStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (c *Call) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}
