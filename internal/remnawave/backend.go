package remnawave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/region"
)

// Backend issues one panel user per grant. The access descriptor is the
// panel's subscription URL.
type Backend struct {
	client  *Client
	squadID string
}

func NewBackend(client *Client, squadID string) *Backend {
	return &Backend{client: client, squadID: squadID}
}

func (b *Backend) Issue(ctx context.Context, req region.IssueRequest) (region.Credential, error) {
	body := CreateUserRequest{
		Username:             req.Label(),
		Status:               "ACTIVE",
		TrafficLimitStrategy: "NO_RESET",
		ExpireAt:             req.ExpiresAt.UTC().Format(time.RFC3339),
		TelegramID:           req.TelegramID,
		Description:          fmt.Sprintf("subscription %d", req.SubscriptionID),
	}
	if b.squadID != "" {
		body.ActiveInternalSquads = []string{b.squadID}
	}

	user, err := b.client.CreateUser(ctx, body)
	if err != nil {
		return region.Credential{}, err
	}
	return region.Credential{ID: user.UUID, Access: user.SubscriptionURL}, nil
}

func (b *Backend) Revoke(ctx context.Context, credentialID string) error {
	err := b.client.DeleteUser(ctx, credentialID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
