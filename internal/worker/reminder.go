package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"regionvpn-bot/internal/models"
)

type ReminderStore interface {
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
}

// Reminder sends one renewal reminder per subscription ending within the
// window. Redis remembers who was reminded.
type Reminder struct {
	store    ReminderStore
	rdb      redis.Cmdable
	notifier Notifier
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewReminder(store ReminderStore, rdb redis.Cmdable, notifier Notifier, window time.Duration, logger *zap.Logger) *Reminder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reminder{
		store:    store,
		rdb:      rdb,
		notifier: notifier,
		window:   window,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func reminderKey(subID uint) string {
	return fmt.Sprintf("reminded:%d", subID)
}

// RunOnce reminds every subscription not reminded yet and returns how many
// messages were sent.
func (r *Reminder) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	subs, err := r.store.ExpiringBetween(ctx, now, now.Add(r.window))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		key := reminderKey(sub.ID)
		fresh, err := r.rdb.SetNX(ctx, key, now.Unix(), r.window+time.Hour).Result()
		if err != nil {
			return sent, fmt.Errorf("mark reminder %d: %w", sub.ID, err)
		}
		if !fresh {
			continue
		}

		if err := r.notifier.NotifyExpiring(ctx, sub); err != nil {
			r.logger.Warn("failed to send renewal reminder",
				zap.Uint("subscription_id", sub.ID),
				zap.Int64("telegram_id", sub.User.TelegramID),
				zap.Error(err),
			)
			// try again on the next run
			r.rdb.Del(ctx, key)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.logger.Info("renewal reminders sent", zap.Int("count", sent))
	}
	return sent, nil
}
