package repository

import (
	"context"
	"fmt"
	"time"

	"regionvpn-bot/internal/models"
)

// EnsureUser returns the user for telegramID, creating it on first contact
// and refreshing the last-seen metadata otherwise.
func (r *Repository) EnsureUser(ctx context.Context, telegramID int64, username, firstName string) (models.User, error) {
	var user models.User
	assign := models.User{Username: username, FirstName: firstName, LastSeenAt: time.Now().UTC()}

	err := r.conn(ctx).Where(models.User{TelegramID: telegramID}).Assign(assign).FirstOrCreate(&user).Error
	if isUniqueViolation(err) {
		// lost a first-contact race with a concurrent update
		err = r.conn(ctx).Where("telegram_id = ?", telegramID).Take(&user).Error
	}
	if err != nil {
		return models.User{}, fmt.Errorf("ensure user %d: %w", telegramID, err)
	}
	return user, nil
}

func (r *Repository) UserByTelegramID(ctx context.Context, telegramID int64) (models.User, error) {
	var user models.User
	if err := r.conn(ctx).Where("telegram_id = ?", telegramID).Take(&user).Error; err != nil {
		return models.User{}, notFound(err, "user %d", telegramID)
	}
	return user, nil
}
