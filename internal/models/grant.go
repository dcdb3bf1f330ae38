package models

import (
	"time"
)

type GrantStatus string

const (
	GrantRequested GrantStatus = "requested"
	GrantGranted   GrantStatus = "granted"
	GrantFailed    GrantStatus = "failed"
	GrantRevoked   GrantStatus = "revoked"
)

// RegionGrant is one credential on one region. The (subscription, region)
// pair is unique.
type RegionGrant struct {
	ID               uint        `gorm:"primaryKey"`
	SubscriptionID   uint        `gorm:"not null;uniqueIndex:ux_grant_subscription_region,priority:1"`
	Region           string      `gorm:"size:32;not null;uniqueIndex:ux_grant_subscription_region,priority:2"`
	CredentialID     string      `gorm:"size:255"`
	AccessDescriptor string      `gorm:"type:text"`
	Status           GrantStatus `gorm:"size:16;not null;index"`
	Attempts         int         `gorm:"not null;default:0"`
	LastError        string      `gorm:"size:1024"`
	RevokeClaimedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
