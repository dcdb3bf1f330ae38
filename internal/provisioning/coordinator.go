// Package provisioning turns a confirmed subscription into region grants and
// takes them back again. Issuing is best effort: one region failing never
// undoes the others, and the subscription status is derived from the grants.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/region"
	"regionvpn-bot/internal/repository"
)

// Store is the part of the repository the coordinator writes through.
type Store interface {
	Subscription(ctx context.Context, id uint) (models.Subscription, error)
	Grants(ctx context.Context, subID uint) ([]models.RegionGrant, error)
	AssignPackage(ctx context.Context, subID uint, pkg models.RegionPackage) ([]models.RegionGrant, bool, error)
	FinishGrant(ctx context.Context, grantID uint, out repository.GrantOutcome) (bool, error)
	RecomputeStatus(ctx context.Context, subID uint) (models.Subscription, error)
	ResetGrantForRetry(ctx context.Context, subID uint, region string) (models.RegionGrant, error)
	ClaimGrantRevoke(ctx context.Context, grantID uint, now, staleBefore time.Time) (bool, error)
	MarkGrantRevoked(ctx context.Context, grantID uint) error
	ReleaseGrantRevoke(ctx context.Context, grantID uint, cause string) error
}

// Backends resolves a region code to its backend.
type Backends interface {
	Get(code string) (region.Backend, error)
}

type Policy struct {
	// Attempts bounds calls per issue or revoke, first try included.
	Attempts    int
	BaseDelay   time.Duration
	CallTimeout time.Duration
	// RevokeClaimTTL is how long a revoke claim blocks other sweepers.
	RevokeClaimTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		BaseDelay:      500 * time.Millisecond,
		CallTimeout:    15 * time.Second,
		RevokeClaimTTL: 10 * time.Minute,
	}
}

type Coordinator struct {
	store    Store
	backends Backends
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(store Store, backends Backends, policy Policy, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &Coordinator{
		store:    store,
		backends: backends,
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// Result is the state of a subscription after a provisioning call.
type Result struct {
	Subscription models.Subscription
	Grants       []models.RegionGrant
	// Started is false when the package had already been assigned by an
	// earlier call and nothing was issued this time.
	Started bool
}

func (r Result) Failed() []models.RegionGrant {
	return r.filter(models.GrantFailed)
}

func (r Result) Granted() []models.RegionGrant {
	return r.filter(models.GrantGranted)
}

func (r Result) filter(status models.GrantStatus) []models.RegionGrant {
	var out []models.RegionGrant
	for _, g := range r.Grants {
		if g.Status == status {
			out = append(out, g)
		}
	}
	return out
}

// Provision binds pkg to the subscription and issues one credential per
// region. Every grant created here ends granted or failed before Provision
// returns, even if ctx is cancelled by the caller.
func (c *Coordinator) Provision(ctx context.Context, subID uint, pkg models.RegionPackage) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With(zap.Uint("subscription_id", subID), zap.String("package", pkg.ID))

	sub, err := c.store.Subscription(ctx, subID)
	if err != nil {
		return Result{}, err
	}

	grants, assigned, err := c.store.AssignPackage(ctx, subID, pkg)
	if err != nil {
		return Result{}, err
	}
	if !assigned {
		log.Info("package already assigned, skipping issue")
		sub, err = c.store.Subscription(ctx, subID)
		if err != nil {
			return Result{}, err
		}
		return Result{Subscription: sub, Grants: sub.Grants}, nil
	}

	log.Info("provisioning started", zap.Strings("regions", pkg.Regions))
	c.issueAll(ctx, sub, grants)

	return c.result(ctx, subID, true)
}

// RetryRegion re-issues a single failed region of a live subscription.
func (c *Coordinator) RetryRegion(ctx context.Context, subID uint, code string) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	grant, err := c.store.ResetGrantForRetry(ctx, subID, code)
	if err != nil {
		return Result{}, err
	}
	sub, err := c.store.Subscription(ctx, subID)
	if err != nil {
		return Result{}, err
	}

	c.issueAll(ctx, sub, []models.RegionGrant{grant})
	return c.result(ctx, subID, true)
}

func (c *Coordinator) result(ctx context.Context, subID uint, started bool) (Result, error) {
	if _, err := c.store.RecomputeStatus(ctx, subID); err != nil {
		return Result{}, err
	}
	sub, err := c.store.Subscription(ctx, subID)
	if err != nil {
		return Result{}, err
	}
	return Result{Subscription: sub, Grants: sub.Grants, Started: started}, nil
}

func (c *Coordinator) issueAll(ctx context.Context, sub models.Subscription, grants []models.RegionGrant) {
	var g errgroup.Group
	for _, grant := range grants {
		g.Go(func() error {
			out := c.issueOne(ctx, sub, grant)
			log := c.logger.With(
				zap.Uint("subscription_id", sub.ID),
				zap.String("region", grant.Region),
				zap.Int("attempts", out.Attempts),
			)

			if _, err := c.store.FinishGrant(ctx, grant.ID, out); err != nil {
				log.Error("failed to record grant outcome", zap.Error(err), zap.String("status", string(out.Status)))
				return nil
			}
			if out.Status == models.GrantFailed {
				log.Warn("region grant failed", zap.String("reason", out.LastError))
			} else {
				log.Info("region granted")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) issueOne(ctx context.Context, sub models.Subscription, grant models.RegionGrant) repository.GrantOutcome {
	backend, err := c.backends.Get(grant.Region)
	if err != nil {
		return repository.GrantOutcome{Status: models.GrantFailed, LastError: err.Error()}
	}

	req := region.IssueRequest{
		TelegramID:     sub.User.TelegramID,
		SubscriptionID: sub.ID,
		Region:         grant.Region,
		ExpiresAt:      sub.EndAt,
	}

	var cred region.Credential
	attempts, err := c.retry(ctx, "issue", grant.Region, func(ctx context.Context) error {
		var err error
		cred, err = backend.Issue(ctx, req)
		return err
	})
	if err != nil {
		return repository.GrantOutcome{Status: models.GrantFailed, LastError: truncate(err.Error(), 1000), Attempts: attempts}
	}
	return repository.GrantOutcome{
		Status:           models.GrantGranted,
		CredentialID:     cred.ID,
		AccessDescriptor: cred.Access,
		Attempts:         attempts,
	}
}

// RevokeReport counts what a revoke pass did.
type RevokeReport struct {
	Revoked int
	Failed  int
	// Skipped grants were claimed by a concurrent pass.
	Skipped int
}

func (r *RevokeReport) add(o RevokeReport) {
	r.Revoked += o.Revoked
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// RevokeAll revokes every granted grant of the subscription. Failures are
// left granted for the next sweep and never returned as errors.
func (c *Coordinator) RevokeAll(ctx context.Context, subID uint) (RevokeReport, error) {
	grants, err := c.store.Grants(ctx, subID)
	if err != nil {
		return RevokeReport{}, err
	}
	return c.RevokeGrants(ctx, grants), nil
}

// RevokeGrants revokes the granted entries of grants concurrently.
func (c *Coordinator) RevokeGrants(ctx context.Context, grants []models.RegionGrant) RevokeReport {
	results := make([]RevokeReport, len(grants))
	var g errgroup.Group
	for i, grant := range grants {
		if grant.Status != models.GrantGranted {
			continue
		}
		g.Go(func() error {
			results[i] = c.revokeOne(ctx, grant)
			return nil
		})
	}
	_ = g.Wait()

	var report RevokeReport
	for _, r := range results {
		report.add(r)
	}
	return report
}

func (c *Coordinator) revokeOne(ctx context.Context, grant models.RegionGrant) RevokeReport {
	log := c.logger.With(zap.Uint("subscription_id", grant.SubscriptionID), zap.String("region", grant.Region))

	now := c.now()
	claimed, err := c.store.ClaimGrantRevoke(ctx, grant.ID, now, now.Add(-c.policy.RevokeClaimTTL))
	if err != nil {
		log.Error("failed to claim grant for revoke", zap.Error(err))
		return RevokeReport{Failed: 1}
	}
	if !claimed {
		return RevokeReport{Skipped: 1}
	}

	backend, err := c.backends.Get(grant.Region)
	if err == nil {
		_, err = c.retry(ctx, "revoke", grant.Region, func(ctx context.Context) error {
			return backend.Revoke(ctx, grant.CredentialID)
		})
	}
	if err != nil {
		log.Warn("revoke failed, will retry on next sweep", zap.Error(err))
		if releaseErr := c.store.ReleaseGrantRevoke(ctx, grant.ID, truncate(err.Error(), 1000)); releaseErr != nil {
			log.Error("failed to release revoke claim", zap.Error(releaseErr))
		}
		return RevokeReport{Failed: 1}
	}

	if err := c.store.MarkGrantRevoked(ctx, grant.ID); err != nil {
		log.Error("revoked on backend but failed to record it", zap.Error(err))
		return RevokeReport{Failed: 1}
	}
	log.Info("region revoked")
	return RevokeReport{Revoked: 1}
}

// retry runs fn with a per-call timeout, retrying transient failures with
// exponential backoff. It returns how many calls were made.
func (c *Coordinator) retry(ctx context.Context, op, code string, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 0; attempt < c.policy.Attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil {
			return attempt + 1, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperr.Wrap(apperr.ErrTransient, err)
		}
		if !apperr.IsRetryable(err) || attempt == c.policy.Attempts-1 {
			return attempt + 1, err
		}

		delay := c.policy.BaseDelay << attempt
		c.logger.Debug("retrying backend call",
			zap.String("op", op),
			zap.String("region", code),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return attempt + 1, fmt.Errorf("%w (after: %v)", sleepErr, err)
		}
	}
	return c.policy.Attempts, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
