package bot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"regionvpn-bot/internal/config"
	"regionvpn-bot/internal/flow"
	"regionvpn-bot/internal/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	messages []*telego.SendMessageParams
	photos   []*telego.SendPhotoParams
	answers  []*telego.AnswerCallbackQueryParams
	sendErr  error
}

func (f *fakeAPI) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.messages = append(f.messages, params)
	return &telego.Message{}, nil
}

func (f *fakeAPI) SendPhoto(_ context.Context, params *telego.SendPhotoParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, params)
	return &telego.Message{}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, params *telego.AnswerCallbackQueryParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, params)
	return nil
}

type recordingHandler struct {
	intents []flow.Intent
	users   []flow.User
	out     flow.Outcome
}

func (h *recordingHandler) Handle(_ context.Context, u flow.User, in flow.Intent) flow.Outcome {
	h.intents = append(h.intents, in)
	h.users = append(h.users, u)
	return h.out
}

var testRegions = []config.RegionConfig{
	{Code: "de", Name: "Германия", Flag: "🇩🇪"},
	{Code: "fr", Name: "Франция", Flag: "🇫🇷"},
}

func newTestBot(out flow.Outcome) (*Bot, *fakeAPI, *recordingHandler) {
	api := &fakeAPI{}
	h := &recordingHandler{out: out}
	b := newBot(api, h, NewRenderer(testRegions), Options{CommandCooldown: time.Hour, CallbackCooldown: time.Hour}, zap.NewNop())
	return b, api, h
}

func TestCommandDecodesIntent(t *testing.T) {
	b, api, h := newTestBot(flow.Outcome{Kind: flow.OutcomeHelp})

	b.onCommand(context.Background(), telego.Message{
		Text: "/my_subscriptions",
		From: &telego.User{ID: 1001, Username: "alice", FirstName: "Alice"},
		Chat: telego.Chat{ID: 1001},
	})

	require.Len(t, h.intents, 1)
	assert.Equal(t, flow.ListSubscriptions{}, h.intents[0])
	assert.Equal(t, flow.User{TelegramID: 1001, Username: "alice", FirstName: "Alice"}, h.users[0])
	require.Len(t, api.messages, 1)
	assert.Equal(t, telego.ModeHTML, api.messages[0].ParseMode)
}

func TestUnknownCommandShowsHelp(t *testing.T) {
	b, _, h := newTestBot(flow.Outcome{Kind: flow.OutcomeHelp})

	b.onCommand(context.Background(), telego.Message{Text: "/referral", From: &telego.User{ID: 7}, Chat: telego.Chat{ID: 7}})

	require.Len(t, h.intents, 1)
	assert.Equal(t, flow.Help{}, h.intents[0])
}

func TestCommandsAreThrottledPerUser(t *testing.T) {
	b, api, h := newTestBot(flow.Outcome{Kind: flow.OutcomeHelp})
	msg := func(id int64) telego.Message {
		return telego.Message{Text: "/start", From: &telego.User{ID: id}, Chat: telego.Chat{ID: id}}
	}

	b.onCommand(context.Background(), msg(1))
	b.onCommand(context.Background(), msg(1))
	b.onCommand(context.Background(), msg(2))

	assert.Len(t, h.intents, 2)
	assert.Len(t, api.messages, 2)
}

func TestCallbackAnswersAndDispatches(t *testing.T) {
	b, api, h := newTestBot(flow.Outcome{Kind: flow.OutcomeCancelled})

	b.onCallback(context.Background(), telego.CallbackQuery{ID: "q1", From: telego.User{ID: 5}, Data: flow.PayData(42)})

	require.Len(t, h.intents, 1)
	assert.Equal(t, flow.ConfirmPayment{PaymentID: 42}, h.intents[0])
	require.Len(t, api.answers, 1)
	assert.Equal(t, "q1", api.answers[0].CallbackQueryID)
	assert.Empty(t, api.answers[0].Text)
	assert.Len(t, api.messages, 1)
}

func TestStaleCallbackIsNotDispatched(t *testing.T) {
	b, api, h := newTestBot(flow.Outcome{})

	b.onCallback(context.Background(), telego.CallbackQuery{ID: "q1", From: telego.User{ID: 5}, Data: "buy_subscription_balance"})

	assert.Empty(t, h.intents)
	require.Len(t, api.answers, 1)
	assert.NotEmpty(t, api.answers[0].Text)
	assert.Empty(t, api.messages)
}

func TestThrottledCallbackIsAnswered(t *testing.T) {
	b, api, h := newTestBot(flow.Outcome{Kind: flow.OutcomeMenu})
	q := telego.CallbackQuery{ID: "q", From: telego.User{ID: 5}, Data: flow.MenuData()}

	b.onCallback(context.Background(), q)
	b.onCallback(context.Background(), q)

	assert.Len(t, h.intents, 1)
	require.Len(t, api.answers, 2)
	assert.NotEmpty(t, api.answers[1].Text)
}

func TestDeliverSendsQRCodes(t *testing.T) {
	b, api, _ := newTestBot(flow.Outcome{})
	sub := models.Subscription{
		ID:     3,
		Status: models.SubscriptionPartiallyActive,
		EndAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Grants: []models.RegionGrant{
			{Region: "de", Status: models.GrantGranted, AccessDescriptor: "vless://uuid@de.example.com:443?security=reality#de"},
			{Region: "fr", Status: models.GrantFailed},
		},
	}

	err := b.Deliver(context.Background(), flow.Delivery{
		TelegramID: 1001,
		Outcome:    flow.Outcome{Kind: flow.OutcomeProvisioned, Subscription: &sub},
	})
	require.NoError(t, err)

	require.Len(t, api.messages, 1)
	assert.Equal(t, int64(1001), api.messages[0].ChatID.ID)
	require.Len(t, api.photos, 1)
	assert.Equal(t, "🇩🇪 Германия", api.photos[0].Caption)
}

func TestNotifyReturnsSendError(t *testing.T) {
	b, api, _ := newTestBot(flow.Outcome{})
	api.sendErr = errors.New("Forbidden: bot was blocked by the user")

	err := b.NotifyExpired(context.Background(), models.Subscription{ID: 1, User: models.User{TelegramID: 9}})
	assert.Error(t, err)
}

func TestNotifyExpiringUsesUserChat(t *testing.T) {
	b, api, _ := newTestBot(flow.Outcome{})

	err := b.NotifyExpiring(context.Background(), models.Subscription{ID: 4, User: models.User{TelegramID: 9}, EndAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, api.messages, 1)
	assert.Equal(t, int64(9), api.messages[0].ChatID.ID)
	assert.Contains(t, api.messages[0].Text, "#4")
}

func TestQRPNG(t *testing.T) {
	png, err := qrPNG("ss://Y2hhY2hhMjA@1.2.3.4:8388/?outline=1")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
