package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

// GrantOutcome is the terminal result of issuing one region.
type GrantOutcome struct {
	Status           models.GrantStatus
	CredentialID     string
	AccessDescriptor string
	LastError        string
	Attempts         int
}

func (r *Repository) Grants(ctx context.Context, subID uint) ([]models.RegionGrant, error) {
	var grants []models.RegionGrant
	if err := r.conn(ctx).Where("subscription_id = ?", subID).Order("id").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("list grants of subscription %d: %w", subID, err)
	}
	return grants, nil
}

// FinishGrant moves a requested grant to its terminal outcome. It reports
// false when the grant was no longer requested.
func (r *Repository) FinishGrant(ctx context.Context, grantID uint, out GrantOutcome) (bool, error) {
	res := r.conn(ctx).Model(&models.RegionGrant{}).
		Where("id = ? AND status = ?", grantID, models.GrantRequested).
		Updates(map[string]any{
			"status":            out.Status,
			"credential_id":     out.CredentialID,
			"access_descriptor": out.AccessDescriptor,
			"last_error":        out.LastError,
			"attempts":          gorm.Expr("attempts + ?", out.Attempts),
		})
	if res.Error != nil {
		return false, fmt.Errorf("finish grant %d: %w", grantID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetGrantForRetry puts a failed grant of a live subscription back into
// requested so it can be issued again.
func (r *Repository) ResetGrantForRetry(ctx context.Context, subID uint, region string) (models.RegionGrant, error) {
	var grant models.RegionGrant
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Where("id = ?", subID).Take(&sub).Error; err != nil {
			return notFound(err, "subscription %d", subID)
		}
		if !sub.Status.Live() {
			return fmt.Errorf("subscription %d is %s: %w", subID, sub.Status, apperr.ErrInvalidTransition)
		}
		if err := tx.Where("subscription_id = ? AND region = ?", subID, region).Take(&grant).Error; err != nil {
			return notFound(err, "grant %s of subscription %d", region, subID)
		}
		if grant.Status != models.GrantFailed {
			return fmt.Errorf("grant %s of subscription %d is %s: %w", region, subID, grant.Status, apperr.ErrInvalidTransition)
		}
		res := tx.Model(&models.RegionGrant{}).
			Where("id = ? AND status = ?", grant.ID, models.GrantFailed).
			Updates(map[string]any{"status": models.GrantRequested, "last_error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrConflict
		}
		grant.Status = models.GrantRequested
		grant.LastError = ""
		return nil
	})
	if err != nil {
		return models.RegionGrant{}, fmt.Errorf("reset grant: %w", err)
	}
	return grant, nil
}

// ClaimGrantRevoke reserves a granted grant for one revoke attempt. Claims
// older than staleBefore may be taken over.
func (r *Repository) ClaimGrantRevoke(ctx context.Context, grantID uint, now, staleBefore time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.RegionGrant{}).
		Where("id = ? AND status = ? AND (revoke_claimed_at IS NULL OR revoke_claimed_at < ?)",
			grantID, models.GrantGranted, staleBefore).
		Update("revoke_claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("claim grant %d: %w", grantID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) MarkGrantRevoked(ctx context.Context, grantID uint) error {
	res := r.conn(ctx).Model(&models.RegionGrant{}).
		Where("id = ? AND status = ?", grantID, models.GrantGranted).
		Updates(map[string]any{
			"status":            models.GrantRevoked,
			"revoke_claimed_at": nil,
			"last_error":        "",
		})
	if res.Error != nil {
		return fmt.Errorf("mark grant %d revoked: %w", grantID, res.Error)
	}
	return nil
}

// ReleaseGrantRevoke drops a revoke claim after a failed attempt so the next
// sweep can retry.
func (r *Repository) ReleaseGrantRevoke(ctx context.Context, grantID uint, cause string) error {
	res := r.conn(ctx).Model(&models.RegionGrant{}).
		Where("id = ? AND status = ?", grantID, models.GrantGranted).
		Updates(map[string]any{
			"revoke_claimed_at": nil,
			"last_error":        cause,
		})
	if res.Error != nil {
		return fmt.Errorf("release grant %d: %w", grantID, res.Error)
	}
	return nil
}

// LaggingRevocations finds grants still granted under subscriptions that
// already ended.
func (r *Repository) LaggingRevocations(ctx context.Context, limit int) ([]models.RegionGrant, error) {
	var grants []models.RegionGrant
	err := r.conn(ctx).
		Joins("JOIN subscriptions ON subscriptions.id = region_grants.subscription_id").
		Where("region_grants.status = ? AND subscriptions.status IN ?",
			models.GrantGranted, []models.SubscriptionStatus{models.SubscriptionExpired, models.SubscriptionCancelled}).
		Order("region_grants.id").
		Limit(limit).
		Find(&grants).Error
	if err != nil {
		return nil, fmt.Errorf("find lagging revocations: %w", err)
	}
	return grants, nil
}

// FailStaleRequested closes grants left requested by an interrupted
// provisioning run and returns the affected subscription ids.
func (r *Repository) FailStaleRequested(ctx context.Context, before time.Time) ([]uint, error) {
	var stale []models.RegionGrant
	if err := r.conn(ctx).Where("status = ? AND updated_at < ?", models.GrantRequested, before).Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("find stale grants: %w", err)
	}

	seen := make(map[uint]bool)
	var subIDs []uint
	for _, g := range stale {
		ok, err := r.FinishGrant(ctx, g.ID, GrantOutcome{Status: models.GrantFailed, LastError: "interrupted"})
		if err != nil {
			return subIDs, err
		}
		if ok && !seen[g.SubscriptionID] {
			seen[g.SubscriptionID] = true
			subIDs = append(subIDs, g.SubscriptionID)
		}
	}
	return subIDs, nil
}
