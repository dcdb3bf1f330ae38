package models

import (
	"fmt"
	"time"
)

type PaymentMethod string

const (
	MethodCrypto PaymentMethod = "crypto"
	MethodCard   PaymentMethod = "card"
)

// PaymentMethods lists every method in menu order.
var PaymentMethods = []PaymentMethod{MethodCrypto, MethodCard}

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case MethodCrypto, MethodCard:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// DurationPlan is reference data synced from the catalog on startup.
type DurationPlan struct {
	ID           string        `gorm:"primaryKey;size:64"`
	Name         string        `gorm:"size:255;not null"`
	Length       time.Duration `gorm:"not null"`
	PriceCrypto  float64       `gorm:"not null"`
	CryptoAsset  string        `gorm:"size:16;not null"`
	PriceCard    float64       `gorm:"not null"`
	CardCurrency string        `gorm:"size:16;not null"`
	SortOrder    int
	// Active is false once the plan is dropped from the catalog.
	Active bool `gorm:"not null;default:true;index"`
}

// Price returns the amount and currency charged for the plan via method.
func (p DurationPlan) Price(method PaymentMethod) (float64, string) {
	if method == MethodCard {
		return p.PriceCard, p.CardCurrency
	}
	return p.PriceCrypto, p.CryptoAsset
}

// RegionPackage is a named, ordered bundle of region codes.
type RegionPackage struct {
	ID        string   `gorm:"primaryKey;size:64"`
	Name      string   `gorm:"size:255;not null"`
	Regions   []string `gorm:"serializer:json;type:text;not null"`
	SortOrder int
	Active    bool `gorm:"not null;default:true;index"`
}

func (p RegionPackage) Contains(region string) bool {
	for _, r := range p.Regions {
		if r == region {
			return true
		}
	}
	return false
}
