package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the presence document for one identity.
type User struct {
	ID          string    `gorm:"type:varchar(128);primaryKey" json:"id"`
	DisplayName string    `gorm:"type:varchar(100)" json:"displayName"`
	PhotoURL    string    `gorm:"type:text" json:"photoUrl,omitempty"`
	Email       string    `gorm:"type:varchar(255)" json:"email,omitempty"`
	IsBusy      bool      `gorm:"not null;default:false" json:"isBusy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}
