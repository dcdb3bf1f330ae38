package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

const maxVersionRetries = 5

// ConfirmPayment marks the record confirmed and creates the Subscription that
// consumes it, in one transaction. When another caller already consumed the
// record the existing Subscription is returned with created == false.
func (r *Repository) ConfirmPayment(ctx context.Context, paymentID uint, confirmedAt time.Time) (sub models.Subscription, created bool, err error) {
	err = r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.PaymentRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", paymentID).Take(&rec).Error; err != nil {
			return notFound(err, "payment %d", paymentID)
		}

		err := tx.Where("payment_record_id = ?", rec.ID).Take(&sub).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup consumer of payment %d: %w", rec.ID, err)
		}

		switch rec.Status {
		case models.PaymentCreated, models.PaymentPending:
			res := tx.Model(&models.PaymentRecord{}).
				Where("id = ? AND status IN ?", rec.ID, []models.PaymentStatus{models.PaymentCreated, models.PaymentPending}).
				Updates(map[string]any{"status": models.PaymentConfirmed, "confirmed_at": confirmedAt})
			if res.Error != nil {
				return fmt.Errorf("confirm payment %d: %w", rec.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return apperr.ErrConflict
			}
		case models.PaymentConfirmed:
		default:
			return fmt.Errorf("payment %d is %s: %w", rec.ID, rec.Status, apperr.ErrRejected)
		}

		var plan models.DurationPlan
		if err := tx.Where("id = ?", rec.PlanID).Take(&plan).Error; err != nil {
			return notFound(err, "plan %q", rec.PlanID)
		}

		sub = models.Subscription{
			UserID:          rec.UserID,
			PlanID:          plan.ID,
			Status:          models.SubscriptionProvisioning,
			StartAt:         confirmedAt,
			EndAt:           confirmedAt.Add(plan.Length),
			PaymentRecordID: rec.ID,
			Version:         1,
		}
		if err := tx.Omit(clause.Associations).Create(&sub).Error; err != nil {
			return err
		}
		created = true
		return nil
	})

	if isUniqueViolation(err) || errors.Is(err, apperr.ErrConflict) {
		existing, lookupErr := r.SubscriptionByPayment(ctx, paymentID)
		if lookupErr != nil {
			return models.Subscription{}, false, fmt.Errorf("payment %d consumed concurrently: %w", paymentID, apperr.ErrConflict)
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, err
	}
	return sub, created, nil
}

func (r *Repository) SubscriptionByPayment(ctx context.Context, paymentID uint) (models.Subscription, error) {
	var sub models.Subscription
	if err := r.conn(ctx).Where("payment_record_id = ?", paymentID).Take(&sub).Error; err != nil {
		return models.Subscription{}, notFound(err, "subscription for payment %d", paymentID)
	}
	return sub, nil
}

// Subscription loads a subscription with its user and grants.
func (r *Repository) Subscription(ctx context.Context, id uint) (models.Subscription, error) {
	var sub models.Subscription
	err := r.conn(ctx).
		Preload("User").
		Preload("Grants", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).
		Take(&sub).Error
	if err != nil {
		return models.Subscription{}, notFound(err, "subscription %d", id)
	}
	return sub, nil
}

// SubscriptionsByUser returns the newest subscriptions of a user first.
func (r *Repository) SubscriptionsByUser(ctx context.Context, userID uint, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.conn(ctx).
		Preload("Grants", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriptions of user %d: %w", userID, err)
	}
	return subs, nil
}

// AssignPackage binds pkg to the subscription and creates one requested
// grant per region. A repeated call for the same package returns the
// existing grants with assigned == false; a different package is a conflict.
func (r *Repository) AssignPackage(ctx context.Context, subID uint, pkg models.RegionPackage) (grants []models.RegionGrant, assigned bool, err error) {
	err = r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", subID).Take(&sub).Error; err != nil {
			return notFound(err, "subscription %d", subID)
		}

		if sub.PackageID != "" {
			if err := tx.Where("subscription_id = ?", sub.ID).Order("id").Find(&grants).Error; err != nil {
				return err
			}
			if sub.PackageID != pkg.ID {
				return fmt.Errorf("subscription %d already bound to package %q: %w", sub.ID, sub.PackageID, apperr.ErrConflict)
			}
			return nil
		}

		if sub.Status != models.SubscriptionProvisioning && sub.Status != models.SubscriptionPendingPayment {
			return fmt.Errorf("subscription %d is %s: %w", sub.ID, sub.Status, apperr.ErrInvalidTransition)
		}

		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND package_id = ?", sub.ID, "").
			Updates(map[string]any{
				"package_id": pkg.ID,
				"status":     models.SubscriptionProvisioning,
				"version":    gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("bind package: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("bind package to subscription %d: %w", sub.ID, apperr.ErrConflict)
		}

		grants = make([]models.RegionGrant, 0, len(pkg.Regions))
		for _, region := range pkg.Regions {
			grants = append(grants, models.RegionGrant{
				SubscriptionID: sub.ID,
				Region:         region,
				Status:         models.GrantRequested,
			})
		}
		if err := tx.Create(&grants).Error; err != nil {
			return fmt.Errorf("create grants: %w", err)
		}
		assigned = true
		return nil
	})
	return grants, assigned, err
}

// RecomputeStatus derives the aggregate status from the grants and writes it
// with an optimistic version check. Subscriptions owned by a sweep or already
// terminal are returned unchanged, and so are subscriptions with grants still
// in flight.
func (r *Repository) RecomputeStatus(ctx context.Context, subID uint) (models.Subscription, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		var sub models.Subscription
		if err := r.conn(ctx).Where("id = ?", subID).Take(&sub).Error; err != nil {
			return models.Subscription{}, notFound(err, "subscription %d", subID)
		}
		if !sub.Status.Live() {
			return sub, nil
		}

		var grants []models.RegionGrant
		if err := r.conn(ctx).Where("subscription_id = ?", subID).Find(&grants).Error; err != nil {
			return models.Subscription{}, fmt.Errorf("load grants: %w", err)
		}
		target, ok := AggregateStatus(grants)
		if !ok || target == sub.Status {
			return sub, nil
		}

		res := r.conn(ctx).Model(&models.Subscription{}).
			Where("id = ? AND version = ?", sub.ID, sub.Version).
			Updates(map[string]any{"status": target, "version": sub.Version + 1})
		if res.Error != nil {
			return models.Subscription{}, fmt.Errorf("update status of subscription %d: %w", sub.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			sub.Status = target
			sub.Version++
			return sub, nil
		}
	}
	return models.Subscription{}, fmt.Errorf("recompute subscription %d: %w", subID, apperr.ErrConflict)
}

// AggregateStatus maps grant outcomes to a subscription status. ok is false
// while any grant is still requested or when there are no grants.
func AggregateStatus(grants []models.RegionGrant) (models.SubscriptionStatus, bool) {
	if len(grants) == 0 {
		return "", false
	}
	granted := 0
	for _, g := range grants {
		switch g.Status {
		case models.GrantRequested:
			return "", false
		case models.GrantGranted:
			granted++
		}
	}
	switch {
	case granted == len(grants):
		return models.SubscriptionActive, true
	case granted > 0:
		return models.SubscriptionPartiallyActive, true
	default:
		return models.SubscriptionFailed, true
	}
}

// ClaimExpired moves up to limit lapsed subscriptions into expiring and
// returns the ones this caller won. Claims older than staleBefore are taken
// over, which recovers from a sweep that died mid-pass.
func (r *Repository) ClaimExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Subscription, error) {
	var candidates []models.Subscription
	err := r.conn(ctx).
		Where("(status IN ? AND end_at <= ?) OR (status = ? AND claimed_at < ?)",
			models.ExpirableStatuses, now, models.SubscriptionExpiring, staleBefore).
		Order("end_at").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("find expired subscriptions: %w", err)
	}

	var claimed []uint
	for _, c := range candidates {
		ok, err := r.claim(ctx, c, now)
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = append(claimed, c.ID)
		}
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	var subs []models.Subscription
	if err := r.conn(ctx).Preload("User").Where("id IN ?", claimed).Order("end_at").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("load claimed subscriptions: %w", err)
	}
	return subs, nil
}

// ClaimSubscription claims one live subscription regardless of its end time.
func (r *Repository) ClaimSubscription(ctx context.Context, subID uint, now time.Time) (models.Subscription, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		var sub models.Subscription
		if err := r.conn(ctx).Where("id = ?", subID).Take(&sub).Error; err != nil {
			return models.Subscription{}, notFound(err, "subscription %d", subID)
		}
		if !sub.Status.Live() {
			return models.Subscription{}, fmt.Errorf("subscription %d is %s: %w", subID, sub.Status, apperr.ErrConflict)
		}
		ok, err := r.claim(ctx, sub, now)
		if err != nil {
			return models.Subscription{}, err
		}
		if ok {
			return r.Subscription(ctx, subID)
		}
	}
	return models.Subscription{}, fmt.Errorf("claim subscription %d: %w", subID, apperr.ErrConflict)
}

func (r *Repository) claim(ctx context.Context, sub models.Subscription, now time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.Subscription{}).
		Where("id = ? AND version = ? AND status = ?", sub.ID, sub.Version, sub.Status).
		Updates(map[string]any{
			"status":     models.SubscriptionExpiring,
			"claimed_at": now,
			"version":    sub.Version + 1,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim subscription %d: %w", sub.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FinishExpiry releases a claim into its final status.
func (r *Repository) FinishExpiry(ctx context.Context, subID uint, status models.SubscriptionStatus) error {
	res := r.conn(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ?", subID, models.SubscriptionExpiring).
		Updates(map[string]any{
			"status":     status,
			"claimed_at": nil,
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("finish expiry of subscription %d: %w", subID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish expiry of subscription %d: %w", subID, apperr.ErrConflict)
	}
	return nil
}

// ExpiringBetween lists working subscriptions that end inside [from, to).
func (r *Repository) ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.conn(ctx).
		Preload("User").
		Where("status IN ? AND end_at >= ? AND end_at < ?",
			[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionPartiallyActive}, from, to).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("find expiring subscriptions: %w", err)
	}
	return subs, nil
}
