// Package worker runs the background jobs: the expiration sweep and renewal
// reminders, scheduled with cron.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/provisioning"
)

type SweepStore interface {
	ClaimExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Subscription, error)
	ClaimSubscription(ctx context.Context, subID uint, now time.Time) (models.Subscription, error)
	FinishExpiry(ctx context.Context, subID uint, status models.SubscriptionStatus) error
	LaggingRevocations(ctx context.Context, limit int) ([]models.RegionGrant, error)
	FailStaleRequested(ctx context.Context, before time.Time) ([]uint, error)
	FailAbandonedPayments(ctx context.Context, before time.Time) (int64, error)
	RecomputeStatus(ctx context.Context, subID uint) (models.Subscription, error)
}

type Revoker interface {
	RevokeAll(ctx context.Context, subID uint) (provisioning.RevokeReport, error)
	RevokeGrants(ctx context.Context, grants []models.RegionGrant) provisioning.RevokeReport
}

// Notifier tells users about their subscriptions. Failures are logged by
// the caller and never block a sweep.
type Notifier interface {
	NotifyExpired(ctx context.Context, sub models.Subscription) error
	NotifyExpiring(ctx context.Context, sub models.Subscription) error
}

type SweepConfig struct {
	// StaleAfter is how old a claim, a requested grant or an invoice-less
	// payment must be before a sweep assumes its owner died.
	StaleAfter time.Duration
	BatchSize  int
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Expired     int
	Interrupted int
	Abandoned   int64
	Revokes     provisioning.RevokeReport
	Lagging     provisioning.RevokeReport
}

// Sweeper expires lapsed subscriptions. Every subscription is claimed by a
// conditional status update before it is touched, so overlapping passes,
// in this process or another, never revoke the same grant twice.
type Sweeper struct {
	store    SweepStore
	revoker  Revoker
	notifier Notifier
	cfg      SweepConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(store SweepStore, revoker Revoker, notifier Notifier, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		revoker:  revoker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()
	staleBefore := now.Add(-s.cfg.StaleAfter)

	interrupted, err := s.store.FailStaleRequested(ctx, staleBefore)
	if err != nil {
		return report, err
	}
	for _, subID := range interrupted {
		if _, err := s.store.RecomputeStatus(ctx, subID); err != nil {
			s.logger.Error("failed to recompute interrupted subscription", zap.Uint("subscription_id", subID), zap.Error(err))
		}
	}
	report.Interrupted = len(interrupted)

	report.Abandoned, err = s.store.FailAbandonedPayments(ctx, staleBefore)
	if err != nil {
		return report, err
	}

	for {
		subs, err := s.store.ClaimExpired(ctx, now, staleBefore, s.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		for _, sub := range subs {
			rep, err := s.finish(ctx, sub, models.SubscriptionExpired)
			report.Revokes.Revoked += rep.Revoked
			report.Revokes.Failed += rep.Failed
			report.Revokes.Skipped += rep.Skipped
			if err != nil {
				s.logger.Error("failed to expire subscription", zap.Uint("subscription_id", sub.ID), zap.Error(err))
				continue
			}
			report.Expired++
		}
		// an empty batch means nothing is left or the rest is claimed by
		// another pass that keeps going
		if len(subs) == 0 || ctx.Err() != nil {
			break
		}
	}

	lagging, err := s.store.LaggingRevocations(ctx, s.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	if len(lagging) > 0 {
		report.Lagging = s.revoker.RevokeGrants(ctx, lagging)
	}

	if report.Expired > 0 || report.Interrupted > 0 || report.Abandoned > 0 || len(lagging) > 0 {
		s.logger.Info("sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("interrupted", report.Interrupted),
			zap.Int64("abandoned_payments", report.Abandoned),
			zap.Int("revoked", report.Revokes.Revoked+report.Lagging.Revoked),
			zap.Int("revoke_failed", report.Revokes.Failed+report.Lagging.Failed),
		)
	}
	return report, nil
}

// Expire force-ends one live subscription through the same claim, revoke
// and finalize steps as a sweep. final is expired or cancelled.
func (s *Sweeper) Expire(ctx context.Context, subID uint, final models.SubscriptionStatus) (provisioning.RevokeReport, error) {
	if final != models.SubscriptionExpired && final != models.SubscriptionCancelled {
		return provisioning.RevokeReport{}, fmt.Errorf("cannot end subscription as %s", final)
	}
	sub, err := s.store.ClaimSubscription(ctx, subID, s.now())
	if err != nil {
		return provisioning.RevokeReport{}, err
	}
	return s.finish(ctx, sub, final)
}

// finish revokes what it can and always moves the claimed subscription to
// final. Grants that could not be revoked are left for the lagging pass.
func (s *Sweeper) finish(ctx context.Context, sub models.Subscription, final models.SubscriptionStatus) (provisioning.RevokeReport, error) {
	log := s.logger.With(zap.Uint("subscription_id", sub.ID), zap.String("final", string(final)))

	rep, err := s.revoker.RevokeAll(ctx, sub.ID)
	if err != nil {
		log.Warn("revocation skipped", zap.Error(err))
	}
	if rep.Failed > 0 {
		log.Warn("some grants were not revoked", zap.Int("failed", rep.Failed))
	}

	if err := s.store.FinishExpiry(ctx, sub.ID, final); err != nil {
		return rep, err
	}
	log.Info("subscription ended", zap.Int("revoked", rep.Revoked), zap.Time("end_at", sub.EndAt))

	if final == models.SubscriptionExpired && s.notifier != nil && sub.User.TelegramID != 0 {
		if err := s.notifier.NotifyExpired(ctx, sub); err != nil {
			log.Warn("failed to send expiry notice", zap.Error(err))
		}
	}
	return rep, nil
}
