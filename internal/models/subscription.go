package models

import (
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionPendingPayment  SubscriptionStatus = "pending_payment"
	SubscriptionProvisioning    SubscriptionStatus = "provisioning"
	SubscriptionActive          SubscriptionStatus = "active"
	SubscriptionPartiallyActive SubscriptionStatus = "partially_active"
	// SubscriptionFailed is reached when provisioning ends with no granted region.
	SubscriptionFailed SubscriptionStatus = "failed"
	// SubscriptionExpiring is the transient claim held by a sweep pass.
	SubscriptionExpiring  SubscriptionStatus = "expiring"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Live reports whether the subscription still grants or may grant access.
func (s SubscriptionStatus) Live() bool {
	switch s {
	case SubscriptionPendingPayment, SubscriptionProvisioning, SubscriptionActive,
		SubscriptionPartiallyActive, SubscriptionFailed:
		return true
	}
	return false
}

// ExpirableStatuses are the statuses a sweep may claim once EndAt has passed.
var ExpirableStatuses = []SubscriptionStatus{
	SubscriptionProvisioning,
	SubscriptionActive,
	SubscriptionPartiallyActive,
	SubscriptionFailed,
}

type Subscription struct {
	ID              uint               `gorm:"primaryKey"`
	UserID          uint               `gorm:"not null;index"`
	User            User               `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	PlanID          string             `gorm:"size:64;not null"`
	PackageID       string             `gorm:"size:64"`
	Status          SubscriptionStatus `gorm:"size:24;not null;index:idx_subscription_status_end,priority:1"`
	StartAt         time.Time          `gorm:"not null"`
	EndAt           time.Time          `gorm:"not null;index:idx_subscription_status_end,priority:2"`
	PaymentRecordID uint               `gorm:"not null;uniqueIndex"`
	PaymentRecord   PaymentRecord      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;"`
	ClaimedAt       *time.Time
	Version         int           `gorm:"not null;default:1"`
	Grants          []RegionGrant `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
