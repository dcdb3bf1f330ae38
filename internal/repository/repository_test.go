package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/testutil"
)

type fixture struct {
	repo *Repository
	user models.User
	plan models.DurationPlan
	pkg  models.RegionPackage
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	repo := New(testutil.NewDB(t))

	plan := models.DurationPlan{ID: "1_month", Name: "1 month", Length: 30 * 24 * time.Hour,
		PriceCrypto: 2, CryptoAsset: "USDT", PriceCard: 159, CardCurrency: "RUB"}
	pkg := models.RegionPackage{ID: "standard", Name: "Standard", Regions: []string{"de", "fr"}}
	require.NoError(t, repo.SyncCatalog(ctx, []models.DurationPlan{plan}, []models.RegionPackage{pkg}))

	user, err := repo.EnsureUser(ctx, 1001, "alice", "Alice")
	require.NoError(t, err)
	return fixture{repo: repo, user: user, plan: plan, pkg: pkg}
}

func (f fixture) pendingPayment(t *testing.T, invoice string) models.PaymentRecord {
	t.Helper()
	ctx := context.Background()
	rec := models.PaymentRecord{UserID: f.user.ID, PlanID: f.plan.ID, Method: models.MethodCrypto, Amount: 2, Currency: "USDT"}
	require.NoError(t, f.repo.CreatePayment(ctx, &rec))
	require.NoError(t, f.repo.AttachInvoice(ctx, rec.ID, invoice, "https://pay/"+invoice))
	got, err := f.repo.Payment(ctx, rec.ID)
	require.NoError(t, err)
	return got
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.repo.EnsureUser(ctx, 1001, "alice_new", "Alice")
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, again.ID)

	got, err := f.repo.UserByTelegramID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "alice_new", got.Username)

	_, err = f.repo.UserByTelegramID(ctx, 9)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSyncCatalogUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed := f.plan
	changed.PriceCrypto = 3
	require.NoError(t, f.repo.SyncCatalog(ctx, []models.DurationPlan{changed}, nil))

	plan, err := f.repo.OfferedPlan(ctx, "1_month")
	require.NoError(t, err)
	assert.Equal(t, 3.0, plan.PriceCrypto)

	pkg, err := f.repo.Package(ctx, "standard")
	require.NoError(t, err)
	assert.Equal(t, []string{"de", "fr"}, pkg.Regions)

	_, err = f.repo.OfferedPlan(ctx, "lifetime")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSyncCatalogRetiresDroppedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short := models.DurationPlan{ID: "test_5min", Name: "5 min", Length: 5 * time.Minute,
		PriceCrypto: 0.1, CryptoAsset: "USDT", PriceCard: 10, CardCurrency: "RUB", SortOrder: 1}
	solo := models.RegionPackage{ID: "solo", Name: "Solo", Regions: []string{"de"}}
	require.NoError(t, f.repo.SyncCatalog(ctx, []models.DurationPlan{f.plan, short}, []models.RegionPackage{solo}))

	plans, err := f.repo.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	packages, err := f.repo.Packages(ctx)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "solo", packages[0].ID)

	_, err = f.repo.OfferedPackage(ctx, "standard")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// retired rows still resolve by id
	old, err := f.repo.Package(ctx, "standard")
	require.NoError(t, err)
	assert.False(t, old.Active)
	byID, err := f.repo.Packages(ctx, "standard")
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	// a later sync brings a retired entry back
	require.NoError(t, f.repo.SyncCatalog(ctx, []models.DurationPlan{short}, []models.RegionPackage{f.pkg, solo}))
	_, err = f.repo.OfferedPlan(ctx, "1_month")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	back, err := f.repo.OfferedPackage(ctx, "standard")
	require.NoError(t, err)
	assert.True(t, back.Active)
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.pendingPayment(t, "inv-1")
	assert.Equal(t, models.PaymentPending, rec.Status)
	assert.Equal(t, "inv-1", rec.Invoice())

	byInvoice, err := f.repo.PaymentByInvoice(ctx, models.MethodCrypto, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byInvoice.ID)
	assert.Equal(t, int64(1001), byInvoice.User.TelegramID)

	assert.ErrorIs(t, f.repo.AttachInvoice(ctx, rec.ID, "inv-2", ""), apperr.ErrConflict)

	changed, err := f.repo.SetPaymentStatus(ctx, rec.ID, models.PaymentExpired, models.PaymentPending)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.repo.SetPaymentStatus(ctx, rec.ID, models.PaymentFailed, models.PaymentPending)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.repo.PaymentByInvoice(ctx, models.MethodCard, "inv-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConfirmPaymentCreatesSubscriptionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	sub, created, err := f.repo.ConfirmPayment(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SubscriptionProvisioning, sub.Status)
	assert.Equal(t, now.Add(30*24*time.Hour), sub.EndAt.UTC())
	assert.Empty(t, sub.PackageID)

	again, created, err := f.repo.ConfirmPayment(ctx, rec.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, sub.EndAt.UTC(), again.EndAt.UTC())

	stored, err := f.repo.Payment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentConfirmed, stored.Status)
}

func TestConfirmPaymentConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")

	const callers = 8
	ids := make([]uint, callers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, created, err := f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[i] = sub.ID
			if created {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	subs, err := f.repo.SubscriptionsByUser(ctx, f.user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestConfirmPaymentRejectsTerminalRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	_, err := f.repo.SetPaymentStatus(ctx, rec.ID, models.PaymentFailed, models.PaymentPending)
	require.NoError(t, err)

	_, _, err = f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	assert.ErrorIs(t, err, apperr.ErrRejected)

	_, _, err = f.repo.ConfirmPayment(ctx, 999, time.Now().UTC())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAssignPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	require.NoError(t, err)

	grants, assigned, err := f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)
	assert.True(t, assigned)
	require.Len(t, grants, 2)
	assert.Equal(t, "de", grants[0].Region)
	assert.Equal(t, models.GrantRequested, grants[1].Status)

	again, assigned, err := f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)
	assert.False(t, assigned)
	assert.Len(t, again, 2)

	other := models.RegionPackage{ID: "other", Name: "Other", Regions: []string{"de"}}
	_, _, err = f.repo.AssignPackage(ctx, sub.ID, other)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, _, err = f.repo.AssignPackage(ctx, 404, f.pkg)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAggregateStatus(t *testing.T) {
	g := func(statuses ...models.GrantStatus) []models.RegionGrant {
		out := make([]models.RegionGrant, len(statuses))
		for i, s := range statuses {
			out[i] = models.RegionGrant{Status: s}
		}
		return out
	}

	tests := []struct {
		name   string
		grants []models.RegionGrant
		want   models.SubscriptionStatus
		ok     bool
	}{
		{"no grants", nil, "", false},
		{"in flight", g(models.GrantGranted, models.GrantRequested), "", false},
		{"all granted", g(models.GrantGranted, models.GrantGranted), models.SubscriptionActive, true},
		{"one failure", g(models.GrantGranted, models.GrantFailed), models.SubscriptionPartiallyActive, true},
		{"all failed", g(models.GrantFailed, models.GrantFailed), models.SubscriptionFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AggregateStatus(tt.grants)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecomputeStatusAfterGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	require.NoError(t, err)
	grants, _, err := f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)

	ok, err := f.repo.FinishGrant(ctx, grants[0].ID, GrantOutcome{Status: models.GrantGranted, CredentialID: "k1", AccessDescriptor: "ss://x", Attempts: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.repo.RecomputeStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionProvisioning, got.Status, "still in flight")

	_, err = f.repo.FinishGrant(ctx, grants[1].ID, GrantOutcome{Status: models.GrantFailed, LastError: "quota", Attempts: 1})
	require.NoError(t, err)

	got, err = f.repo.RecomputeStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPartiallyActive, got.Status)

	ok, err = f.repo.FinishGrant(ctx, grants[1].ID, GrantOutcome{Status: models.GrantGranted})
	require.NoError(t, err)
	assert.False(t, ok, "terminal grants are not rewritten")

	reset, err := f.repo.ResetGrantForRetry(ctx, sub.ID, "fr")
	require.NoError(t, err)
	assert.Equal(t, models.GrantRequested, reset.Status)
	_, err = f.repo.FinishGrant(ctx, reset.ID, GrantOutcome{Status: models.GrantGranted, CredentialID: "k2"})
	require.NoError(t, err)

	got, err = f.repo.RecomputeStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, got.Status)

	_, err = f.repo.ResetGrantForRetry(ctx, sub.ID, "fr")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestClaimExpiredIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-31 * 24 * time.Hour)
	rec := f.pendingPayment(t, "inv-1")
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, start)
	require.NoError(t, err)

	now := time.Now().UTC()
	first, err := f.repo.ClaimExpired(ctx, now, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, sub.ID, first[0].ID)
	assert.Equal(t, models.SubscriptionExpiring, first[0].Status)
	assert.Equal(t, int64(1001), first[0].User.TelegramID)

	second, err := f.repo.ClaimExpired(ctx, now, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	// a claim older than the stale window is taken over
	later := now.Add(time.Hour)
	third, err := f.repo.ClaimExpired(ctx, later, later.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, third, 1)

	require.NoError(t, f.repo.FinishExpiry(ctx, sub.ID, models.SubscriptionExpired))
	assert.ErrorIs(t, f.repo.FinishExpiry(ctx, sub.ID, models.SubscriptionExpired), apperr.ErrConflict)

	_, err = f.repo.ClaimSubscription(ctx, sub.ID, now)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestClaimExpiredHonoursSubDayPrecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short := models.DurationPlan{ID: "test_5min", Name: "5 min", Length: 5 * time.Minute,
		PriceCrypto: 0.1, CryptoAsset: "USDT", PriceCard: 10, CardCurrency: "RUB"}
	require.NoError(t, f.repo.SyncCatalog(ctx, []models.DurationPlan{short}, nil))

	rec := models.PaymentRecord{UserID: f.user.ID, PlanID: short.ID, Method: models.MethodCard, Amount: 10, Currency: "RUB"}
	require.NoError(t, f.repo.CreatePayment(ctx, &rec))
	confirmed := time.Now().UTC().Add(-6 * time.Minute)
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, confirmed)
	require.NoError(t, err)

	beforeEnd := confirmed.Add(4 * time.Minute)
	claimed, err := f.repo.ClaimExpired(ctx, beforeEnd, beforeEnd.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	afterEnd := confirmed.Add(5*time.Minute + time.Second)
	claimed, err = f.repo.ClaimExpired(ctx, afterEnd, afterEnd.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, sub.ID, claimed[0].ID)
}

func TestGrantRevokeClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	require.NoError(t, err)
	grants, _, err := f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)
	for _, g := range grants {
		_, err := f.repo.FinishGrant(ctx, g.ID, GrantOutcome{Status: models.GrantGranted, CredentialID: "c-" + g.Region})
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	_, err = f.repo.ClaimSubscription(ctx, sub.ID, now)
	require.NoError(t, err)
	require.NoError(t, f.repo.FinishExpiry(ctx, sub.ID, models.SubscriptionExpired))

	lagging, err := f.repo.LaggingRevocations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lagging, 2)

	ok, err := f.repo.ClaimGrantRevoke(ctx, grants[0].ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.repo.ClaimGrantRevoke(ctx, grants[0].ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.repo.MarkGrantRevoked(ctx, grants[0].ID))

	ok, err = f.repo.ClaimGrantRevoke(ctx, grants[1].ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.repo.ReleaseGrantRevoke(ctx, grants[1].ID, "timeout"))

	lagging, err = f.repo.LaggingRevocations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lagging, 1)
	assert.Equal(t, "fr", lagging[0].Region)
	assert.Equal(t, "timeout", lagging[0].LastError)
}

func TestFailStaleRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, time.Now().UTC())
	require.NoError(t, err)
	_, _, err = f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)

	ids, err := f.repo.FailStaleRequested(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = f.repo.FailStaleRequested(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint{sub.ID}, ids)

	got, err := f.repo.RecomputeStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionFailed, got.Status)
}

func TestExpiringBetween(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pendingPayment(t, "inv-1")
	now := time.Now().UTC()
	sub, _, err := f.repo.ConfirmPayment(ctx, rec.ID, now.Add(-30*24*time.Hour+12*time.Hour))
	require.NoError(t, err)
	grants, _, err := f.repo.AssignPackage(ctx, sub.ID, f.pkg)
	require.NoError(t, err)
	for _, g := range grants {
		_, err := f.repo.FinishGrant(ctx, g.ID, GrantOutcome{Status: models.GrantGranted})
		require.NoError(t, err)
	}
	_, err = f.repo.RecomputeStatus(ctx, sub.ID)
	require.NoError(t, err)

	subs, err := f.repo.ExpiringBetween(ctx, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1001), subs[0].User.TelegramID)

	subs, err = f.repo.ExpiringBetween(ctx, now.Add(24*time.Hour), now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, subs)
}
