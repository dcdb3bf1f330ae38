package models

import (
	"time"
)

// User is created on first contact and keyed by the chat platform id.
type User struct {
	ID         uint   `gorm:"primaryKey"`
	TelegramID int64  `gorm:"uniqueIndex;not null"`
	Username   string `gorm:"size:255"`
	FirstName  string `gorm:"size:255"`
	LastSeenAt time.Time
	CreatedAt  time.Time
}
