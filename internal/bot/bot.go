package bot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"regionvpn-bot/internal/flow"
	"regionvpn-bot/internal/models"
)

// Handler runs one conversation event.
type Handler interface {
	Handle(ctx context.Context, u flow.User, in flow.Intent) flow.Outcome
}

// sender is the part of the Bot API used to reply.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
}

type Options struct {
	CommandCooldown  time.Duration
	CallbackCooldown time.Duration
}

type Bot struct {
	instance  *telego.Bot
	api       sender
	flow      Handler
	render    *Renderer
	commands  *limiter
	callbacks *limiter
	logger    *zap.Logger
}

func NewBot(token string, h Handler, render *Renderer, opts Options, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tgBot, err := telego.NewBot(token, telego.WithLogger(logger.Named("telego").Sugar()))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b := newBot(tgBot, h, render, opts, logger)
	b.instance = tgBot
	return b, nil
}

func newBot(api sender, h Handler, render *Renderer, opts Options, logger *zap.Logger) *Bot {
	return &Bot{
		api:       api,
		flow:      h,
		render:    render,
		commands:  newLimiter(opts.CommandCooldown),
		callbacks: newLimiter(opts.CallbackCooldown),
		logger:    logger,
	}
}

// Start long-polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.instance, updates)
	if err != nil {
		return fmt.Errorf("create update handler: %w", err)
	}

	handler.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		b.onCommand(ctx.Context(), message)
		return nil
	}, th.AnyCommand())

	handler.HandleCallbackQuery(func(ctx *th.Context, query telego.CallbackQuery) error {
		b.onCallback(ctx.Context(), query)
		return nil
	}, th.AnyCallbackQuery())

	go func() {
		<-ctx.Done()
		if err := handler.Stop(); err != nil {
			b.logger.Warn("update handler stop", zap.Error(err))
		}
	}()

	b.logger.Info("bot started")
	return handler.Start()
}

func (b *Bot) onCommand(ctx context.Context, message telego.Message) {
	if message.From == nil {
		return
	}
	if !b.commands.Allow(message.From.ID) {
		b.logger.Debug("command throttled", zap.Int64("telegram_id", message.From.ID))
		return
	}

	command, _, _ := tu.ParseCommand(message.Text)
	in, err := flow.DecodeCommand(command)
	if err != nil {
		b.logger.Debug("unknown command", zap.String("command", command))
		in = flow.Help{}
	}

	out := b.flow.Handle(ctx, userOf(*message.From), in)
	b.send(ctx, message.Chat.ID, out)
}

func (b *Bot) onCallback(ctx context.Context, query telego.CallbackQuery) {
	log := b.logger.With(zap.Int64("telegram_id", query.From.ID))

	if !b.callbacks.Allow(query.From.ID) {
		b.answer(ctx, log, query.ID, "Слишком часто, подождите пару секунд")
		return
	}

	in, err := flow.DecodeCallback(query.Data)
	if err != nil {
		log.Debug("undecodable callback", zap.String("data", query.Data), zap.Error(err))
		b.answer(ctx, log, query.ID, "Кнопка устарела, откройте меню заново")
		return
	}
	b.answer(ctx, log, query.ID, "")

	out := b.flow.Handle(ctx, userOf(query.From), in)
	b.send(ctx, query.From.ID, out)
}

func (b *Bot) answer(ctx context.Context, log *zap.Logger, queryID, text string) {
	params := tu.CallbackQuery(queryID)
	if text != "" {
		params = params.WithText(text)
	}
	if err := b.api.AnswerCallbackQuery(ctx, params); err != nil {
		log.Debug("answer callback", zap.Error(err))
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, out flow.Outcome) {
	if err := b.sendMessage(ctx, chatID, b.render.Render(out)); err != nil {
		b.logger.Error("failed to send reply",
			zap.Int64("chat_id", chatID),
			zap.String("outcome", string(out.Kind)),
			zap.Error(err),
		)
	}
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, msg Message) error {
	params := tu.Message(tu.ID(chatID), msg.Text).
		WithParseMode(telego.ModeHTML).
		WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
	if msg.Keyboard != nil {
		params = params.WithReplyMarkup(msg.Keyboard)
	}
	if _, err := b.api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	for i, a := range msg.Access {
		png, err := qrPNG(a.Descriptor)
		if err != nil {
			b.logger.Warn("qr encode failed", zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}
		photo := tu.Photo(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(png), fmt.Sprintf("access-%d.png", i+1)))).
			WithCaption(a.Label).
			WithParseMode(telego.ModeHTML)
		if _, err := b.api.SendPhoto(ctx, photo); err != nil {
			return fmt.Errorf("send qr code: %w", err)
		}
	}
	return nil
}

// Deliver pushes an outcome produced by a payment notification.
func (b *Bot) Deliver(ctx context.Context, d flow.Delivery) error {
	return b.sendMessage(ctx, d.TelegramID, b.render.Render(d.Outcome))
}

func (b *Bot) NotifyExpired(ctx context.Context, sub models.Subscription) error {
	return b.sendMessage(ctx, sub.User.TelegramID, Message{Text: ExpiredText(sub), Keyboard: menuKeyboard()})
}

func (b *Bot) NotifyExpiring(ctx context.Context, sub models.Subscription) error {
	return b.sendMessage(ctx, sub.User.TelegramID, Message{Text: ExpiringText(sub), Keyboard: menuKeyboard()})
}

func userOf(u telego.User) flow.User {
	return flow.User{TelegramID: u.ID, Username: u.Username, FirstName: u.FirstName}
}
