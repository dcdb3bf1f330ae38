package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentExpired
}

// PaymentRecord tracks one invoice issued by a gateway. It is consumed by at
// most one Subscription (see Subscription.PaymentRecordID).
type PaymentRecord struct {
	ID          uint          `gorm:"primaryKey"`
	UserID      uint          `gorm:"not null;index"`
	User        User          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	PlanID      string        `gorm:"size:64;not null"`
	Method      PaymentMethod `gorm:"size:16;not null;uniqueIndex:ux_payment_invoice,priority:1"`
	InvoiceID   *string       `gorm:"size:255;uniqueIndex:ux_payment_invoice,priority:2"`
	PayURL      string        `gorm:"size:1024"`
	Amount      float64       `gorm:"not null"`
	Currency    string        `gorm:"size:16;not null"`
	Status      PaymentStatus `gorm:"size:16;not null;default:'created';index"`
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Invoice returns the external invoice id or "" before the gateway answered.
func (p PaymentRecord) Invoice() string {
	if p.InvoiceID == nil {
		return ""
	}
	return *p.InvoiceID
}
