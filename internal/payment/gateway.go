// Package payment holds the invoice gateways: CryptoBot for crypto and
// YooKassa for card payments. Gateways only talk to the provider; recording
// state is up to the caller.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

// Status is the settlement state reported by a gateway.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// RecordStatus maps a gateway status to the PaymentRecord status.
func (s Status) RecordStatus() models.PaymentStatus {
	switch s {
	case StatusConfirmed:
		return models.PaymentConfirmed
	case StatusFailed:
		return models.PaymentFailed
	case StatusExpired:
		return models.PaymentExpired
	default:
		return models.PaymentPending
	}
}

type InvoiceRequest struct {
	PaymentID  uint
	TelegramID int64
	Plan       models.DurationPlan
}

type Invoice struct {
	InvoiceID string
	PayURL    string
	Amount    float64
	Currency  string
}

// Gateway creates payable invoices and reads their status. GetStatus must
// not change provider-side state.
type Gateway interface {
	Method() models.PaymentMethod
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
	GetStatus(ctx context.Context, invoiceID string) (Status, error)
}

// Registry holds the configured gateways by method.
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

// Get returns the gateway for method or ErrGatewayUnavailable when the
// method is not configured.
func (r *Registry) Get(method models.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%s payments are not configured: %w", method, apperr.ErrGatewayUnavailable)
	}
	return g, nil
}

// Methods lists configured methods in menu order.
func (r *Registry) Methods() []models.PaymentMethod {
	var out []models.PaymentMethod
	for _, m := range models.PaymentMethods {
		if _, ok := r.gateways[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
