package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/testutil"
)

func TestDecodeCallback(t *testing.T) {
	tests := []struct {
		data string
		want Intent
	}{
		{PlanData("1_month"), SelectPlan{PlanID: "1_month"}},
		{MethodData(models.MethodCard), SelectMethod{Method: models.MethodCard}},
		{PayData(42), ConfirmPayment{PaymentID: 42}},
		{PackageData(7, "standard"), SelectPackage{SubscriptionID: 7, PackageID: "standard"}},
		{CancelData(), Cancel{}},
		{MenuData(), Start{}},
		{SubscriptionsData(), ListSubscriptions{}},
		{HelpData(), Help{}},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			got, err := DecodeCallback(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	for _, data := range []string{"", "plan:", "method:paypal", "pay:abc", "pay:0", "pkg:7", "pkg:x:standard", "buy_vpn"} {
		_, err := DecodeCallback(data)
		assert.ErrorIs(t, err, ErrUnknownIntent, data)
	}
}

func TestDecodeCommand(t *testing.T) {
	for cmd, want := range map[string]Intent{
		"start":            Start{},
		"subscribe":        Start{},
		"cancel":           Cancel{},
		"help":             Help{},
		"my_subscriptions": ListSubscriptions{},
	} {
		got, err := DecodeCommand(cmd)
		require.NoError(t, err, cmd)
		assert.Equal(t, want, got, cmd)
	}

	_, err := DecodeCommand("topup")
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestInterruptedTransitions(t *testing.T) {
	awaiting := State{Step: StepAwaitingPayment, PlanID: "1_month", Method: models.MethodCrypto, PaymentID: 3}
	cancelled := awaiting.interrupted()
	assert.Equal(t, StepCancelled, cancelled.Step)
	assert.Equal(t, uint(3), cancelled.PaymentID)
	assert.Equal(t, cancelled, cancelled.interrupted())

	for _, step := range []Step{StepIdle, StepDurationChosen, StepPaymentMethodChosen, StepRegionChosen, StepDone} {
		got := State{Step: step, PlanID: "1_month", SubscriptionID: 9}.interrupted()
		assert.Equal(t, State{Step: StepIdle}, got, step)
	}
}

func TestRedisStoreExpires(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	store := NewRedisStore(rdb, time.Minute)
	ctx := context.Background()

	st := State{Step: StepDurationChosen, PlanID: "1_month"}
	require.NoError(t, store.Save(ctx, 1, st))

	got, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	mr.FastForward(2 * time.Minute)
	got, err = store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StepIdle, got.Step)

	require.NoError(t, store.Save(ctx, 2, st))
	require.NoError(t, store.Save(ctx, 2, State{Step: StepIdle}))
	assert.False(t, mr.Exists("flow:2"))
}

func TestUserLocksSerializeAndRelease(t *testing.T) {
	locks := newUserLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(1)
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, locks.locks)
}
