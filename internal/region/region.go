// Package region defines the capability every VPN backend implements and the
// registry that maps region codes to backends.
package region

import (
	"context"
	"fmt"
	"sort"
	"time"

	"regionvpn-bot/internal/apperr"
)

// IssueRequest identifies the holder of a new credential.
type IssueRequest struct {
	TelegramID     int64
	SubscriptionID uint
	Region         string
	ExpiresAt      time.Time
}

// Label is a stable, human-readable credential name for panels that show one.
func (r IssueRequest) Label() string {
	return fmt.Sprintf("tg%d_%s_s%d", r.TelegramID, r.Region, r.SubscriptionID)
}

// Credential is what a backend hands back for one (user, region) pair.
type Credential struct {
	ID     string
	Access string
}

// Backend issues and revokes credentials on one region. Revoke of an unknown
// credential succeeds.
type Backend interface {
	Issue(ctx context.Context, req IssueRequest) (Credential, error)
	Revoke(ctx context.Context, credentialID string) error
}

type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(code string, b Backend) error {
	if _, ok := r.backends[code]; ok {
		return fmt.Errorf("region %q registered twice", code)
	}
	r.backends[code] = b
	return nil
}

func (r *Registry) Get(code string) (Backend, error) {
	b, ok := r.backends[code]
	if !ok {
		return nil, fmt.Errorf("no backend for region %q: %w", code, apperr.ErrGatewayUnavailable)
	}
	return b, nil
}

func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.backends))
	for code := range r.backends {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
