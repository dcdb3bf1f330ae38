package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

// CreatePayment inserts rec in status created; rec.ID is filled in.
func (r *Repository) CreatePayment(ctx context.Context, rec *models.PaymentRecord) error {
	rec.Status = models.PaymentCreated
	if err := r.conn(ctx).Omit(clause.Associations).Create(rec).Error; err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// AttachInvoice records the gateway's answer and moves the record to pending.
func (r *Repository) AttachInvoice(ctx context.Context, id uint, invoiceID, payURL string) error {
	res := r.conn(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ?", id, models.PaymentCreated).
		Updates(map[string]any{
			"invoice_id": invoiceID,
			"pay_url":    payURL,
			"status":     models.PaymentPending,
		})
	if res.Error != nil {
		return fmt.Errorf("attach invoice to payment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attach invoice to payment %d: %w", id, apperr.ErrConflict)
	}
	return nil
}

// SetPaymentStatus moves a record to status if it is currently in one of
// from. It reports whether the row changed.
func (r *Repository) SetPaymentStatus(ctx context.Context, id uint, status models.PaymentStatus, from ...models.PaymentStatus) (bool, error) {
	res := r.conn(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("set payment %d status: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FailAbandonedPayments fails records still waiting for their invoice that
// were created before the cutoff. Their creator died before the gateway
// answered, so nothing can be paid on them.
func (r *Repository) FailAbandonedPayments(ctx context.Context, before time.Time) (int64, error) {
	res := r.conn(ctx).Model(&models.PaymentRecord{}).
		Where("status = ? AND created_at < ?", models.PaymentCreated, before).
		Update("status", models.PaymentFailed)
	if res.Error != nil {
		return 0, fmt.Errorf("fail abandoned payments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) Payment(ctx context.Context, id uint) (models.PaymentRecord, error) {
	var rec models.PaymentRecord
	if err := r.conn(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return models.PaymentRecord{}, notFound(err, "payment %d", id)
	}
	return rec, nil
}

// PaymentByInvoice resolves a gateway notification to its record.
func (r *Repository) PaymentByInvoice(ctx context.Context, method models.PaymentMethod, invoiceID string) (models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.conn(ctx).Preload("User").
		Where("method = ? AND invoice_id = ?", method, invoiceID).
		Take(&rec).Error
	if err != nil {
		return models.PaymentRecord{}, notFound(err, "%s invoice %q", method, invoiceID)
	}
	return rec, nil
}
