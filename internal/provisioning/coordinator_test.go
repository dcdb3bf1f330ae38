package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/region"
	"regionvpn-bot/internal/repository"
	"regionvpn-bot/internal/testutil"
)

type stubBackend struct {
	mu      sync.Mutex
	issue   func(ctx context.Context, call int) error
	revoke  func(call int) error
	issued  int
	revoked []string
}

func (b *stubBackend) Issue(ctx context.Context, req region.IssueRequest) (region.Credential, error) {
	b.mu.Lock()
	b.issued++
	call := b.issued
	fn := b.issue
	b.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, call); err != nil {
			return region.Credential{}, err
		}
	}
	return region.Credential{ID: req.Label(), Access: "access://" + req.Region}, nil
}

func (b *stubBackend) Revoke(_ context.Context, credentialID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revoke != nil {
		if err := b.revoke(len(b.revoked) + 1); err != nil {
			return err
		}
	}
	b.revoked = append(b.revoked, credentialID)
	return nil
}

func (b *stubBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issued
}

type harness struct {
	repo     *repository.Repository
	coord    *Coordinator
	backends map[string]*stubBackend
	pkg      models.RegionPackage
	delays   []time.Duration
}

func newHarness(t *testing.T, regions ...string) *harness {
	t.Helper()
	ctx := context.Background()

	repo := repository.New(testutil.NewDB(t))
	plan := models.DurationPlan{ID: "1_month", Name: "1 month", Length: 30 * 24 * time.Hour,
		PriceCrypto: 2, CryptoAsset: "USDT", PriceCard: 159, CardCurrency: "RUB"}
	pkg := models.RegionPackage{ID: "standard", Name: "Standard", Regions: regions}
	require.NoError(t, repo.SyncCatalog(ctx, []models.DurationPlan{plan}, []models.RegionPackage{pkg}))

	h := &harness{repo: repo, pkg: pkg, backends: make(map[string]*stubBackend)}
	reg := region.NewRegistry()
	for _, code := range regions {
		b := &stubBackend{}
		h.backends[code] = b
		require.NoError(t, reg.Register(code, b))
	}

	h.coord = New(repo, reg, Policy{
		Attempts:       3,
		BaseDelay:      10 * time.Millisecond,
		CallTimeout:    50 * time.Millisecond,
		RevokeClaimTTL: time.Minute,
	}, nil)
	var mu sync.Mutex
	h.coord.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		h.delays = append(h.delays, d)
		mu.Unlock()
		return nil
	}
	return h
}

func (h *harness) confirmedSubscription(t *testing.T) models.Subscription {
	t.Helper()
	ctx := context.Background()

	user, err := h.repo.EnsureUser(ctx, 1001, "alice", "Alice")
	require.NoError(t, err)
	rec := models.PaymentRecord{UserID: user.ID, PlanID: "1_month", Method: models.MethodCard, Amount: 159, Currency: "RUB"}
	require.NoError(t, h.repo.CreatePayment(ctx, &rec))
	require.NoError(t, h.repo.AttachInvoice(ctx, rec.ID, fmt.Sprintf("inv-%d", rec.ID), "https://pay"))

	sub, created, err := h.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, created)
	return sub
}

func TestProvisionAllRegionsGranted(t *testing.T) {
	h := newHarness(t, "de", "nl")
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)

	assert.True(t, res.Started)
	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)
	assert.Equal(t, "standard", res.Subscription.PackageID)
	require.Len(t, res.Granted(), 2)
	assert.Empty(t, res.Failed())
	for _, g := range res.Grants {
		assert.Equal(t, "access://"+g.Region, g.AccessDescriptor)
		assert.Equal(t, 1, g.Attempts)
	}
}

func TestProvisionPartialFailureKeepsGrantedRegions(t *testing.T) {
	h := newHarness(t, "de", "nl")
	h.backends["nl"].issue = func(context.Context, int) error {
		return apperr.Wrap(apperr.ErrRejected, errors.New("quota exceeded"))
	}
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionPartiallyActive, res.Subscription.Status)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, "nl", res.Failed()[0].Region)
	assert.Contains(t, res.Failed()[0].LastError, "quota exceeded")
	assert.Equal(t, 1, h.backends["nl"].calls(), "rejections are not retried")
	assert.Empty(t, h.backends["de"].revoked, "granted regions are not rolled back")
}

func TestProvisionNoRegionGrantedIsFailed(t *testing.T) {
	h := newHarness(t, "de", "nl")
	for _, b := range h.backends {
		b.issue = func(context.Context, int) error { return apperr.ErrGatewayUnavailable }
	}
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionFailed, res.Subscription.Status)
	assert.Len(t, res.Failed(), 2)
}

func TestProvisionRetriesTransientWithBackoff(t *testing.T) {
	h := newHarness(t, "de")
	h.backends["de"].issue = func(_ context.Context, call int) error {
		if call < 3 {
			return apperr.Wrap(apperr.ErrTransient, errors.New("503"))
		}
		return nil
	}
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)
	assert.Equal(t, 3, res.Grants[0].Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.delays)
}

func TestProvisionGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t, "de")
	h.backends["de"].issue = func(context.Context, int) error {
		return apperr.Wrap(apperr.ErrTransient, errors.New("503"))
	}
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)

	assert.Equal(t, 3, h.backends["de"].calls())
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, 3, res.Failed()[0].Attempts)
}

func TestProvisionCallTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, "de")
	h.backends["de"].issue = func(ctx context.Context, call int) error {
		if call == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	sub := h.confirmedSubscription(t)

	res, err := h.coord.Provision(context.Background(), sub.ID, h.pkg)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)
	assert.Equal(t, 2, h.backends["de"].calls())
}

func TestProvisionSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, "de")
	h.backends["de"].issue = func(ctx context.Context, _ int) error {
		return ctx.Err()
	}
	sub := h.confirmedSubscription(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)
}

func TestProvisionTwiceIssuesOnce(t *testing.T) {
	h := newHarness(t, "de", "nl")
	sub := h.confirmedSubscription(t)
	ctx := context.Background()

	_, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)
	again, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)

	assert.False(t, again.Started)
	assert.Equal(t, models.SubscriptionActive, again.Subscription.Status)
	assert.Equal(t, 1, h.backends["de"].calls())
	assert.Equal(t, 1, h.backends["nl"].calls())

	other := models.RegionPackage{ID: "extended", Regions: []string{"de"}}
	_, err = h.coord.Provision(ctx, sub.ID, other)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestProvisionUnknownRegionFailsThatGrant(t *testing.T) {
	h := newHarness(t, "de")
	sub := h.confirmedSubscription(t)
	pkg := models.RegionPackage{ID: "standard", Regions: []string{"de", "jp"}}

	res, err := h.coord.Provision(context.Background(), sub.ID, pkg)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPartiallyActive, res.Subscription.Status)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, "jp", res.Failed()[0].Region)
}

func TestRetryRegion(t *testing.T) {
	h := newHarness(t, "de", "nl")
	h.backends["nl"].issue = func(_ context.Context, call int) error {
		if call == 1 {
			return apperr.ErrRejected
		}
		return nil
	}
	sub := h.confirmedSubscription(t)
	ctx := context.Background()

	res, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionPartiallyActive, res.Subscription.Status)

	res, err = h.coord.RetryRegion(ctx, sub.ID, "nl")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)

	_, err = h.coord.RetryRegion(ctx, sub.ID, "nl")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t, "de", "nl")
	h.backends["nl"].issue = func(context.Context, int) error { return apperr.ErrRejected }
	sub := h.confirmedSubscription(t)
	ctx := context.Background()

	_, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)

	report, err := h.coord.RevokeAll(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RevokeReport{Revoked: 1}, report)
	assert.Len(t, h.backends["de"].revoked, 1)
	assert.Empty(t, h.backends["nl"].revoked, "failed grants hold no credential")

	report, err = h.coord.RevokeAll(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RevokeReport{}, report)
	assert.Len(t, h.backends["de"].revoked, 1)
}

func TestRevokeFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, "de")
	sub := h.confirmedSubscription(t)
	ctx := context.Background()

	_, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)

	h.backends["de"].revoke = func(int) error { return apperr.ErrRejected }
	report, err := h.coord.RevokeAll(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RevokeReport{Failed: 1}, report)

	grants, err := h.repo.Grants(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantGranted, grants[0].Status)
	assert.Nil(t, grants[0].RevokeClaimedAt)
	assert.Contains(t, grants[0].LastError, "rejected")

	h.backends["de"].revoke = nil
	report, err = h.coord.RevokeAll(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RevokeReport{Revoked: 1}, report)
}

func TestConcurrentRevokeCallsBackendOnce(t *testing.T) {
	h := newHarness(t, "de", "nl")
	sub := h.confirmedSubscription(t)
	ctx := context.Background()

	_, err := h.coord.Provision(ctx, sub.ID, h.pkg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.RevokeAll(ctx, sub.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.backends["de"].revoked, 1)
	assert.Len(t, h.backends["nl"].revoked, 1)
}
