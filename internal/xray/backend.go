package xray

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/region"
)

// Inbound describes the public side of a VLESS reality inbound, used to
// build the client link.
type Inbound struct {
	Tag        string
	PublicHost string
	Port       int
	SNI        string
	PublicKey  string
	ShortID    string
	Flow       string
}

type userManager interface {
	AddUser(ctx context.Context, user UserInfo) error
	RemoveUser(ctx context.Context, inTag, email string) error
}

type Backend struct {
	users   userManager
	inbound Inbound
	newUUID func() string
}

func NewBackend(client *Client, inbound Inbound) *Backend {
	return newBackend(client, inbound)
}

func newBackend(users userManager, inbound Inbound) *Backend {
	if inbound.Flow == "" {
		inbound.Flow = DefaultFlow
	}
	return &Backend{users: users, inbound: inbound, newUUID: uuid.NewString}
}

// Issue adds a fresh VLESS user. The credential id is the user's email,
// which is what RemoveUserOperation keys on.
//
// The email is unique per grant, so an existing user with it is a leftover of
// an earlier attempt whose answer was lost. It is replaced, leaving exactly
// one live user whose UUID matches the returned link.
func (b *Backend) Issue(ctx context.Context, req region.IssueRequest) (region.Credential, error) {
	id := b.newUUID()
	email := fmt.Sprintf("%s@%s", req.Label(), b.inbound.Tag)
	user := UserInfo{UUID: id, Email: email, InTag: b.inbound.Tag, Flow: b.inbound.Flow}

	err := b.users.AddUser(ctx, user)
	if errors.Is(err, apperr.ErrConflict) {
		if err := b.Revoke(ctx, email); err != nil {
			return region.Credential{}, fmt.Errorf("replace stale user %s: %w", email, err)
		}
		err = b.users.AddUser(ctx, user)
	}
	if err != nil {
		return region.Credential{}, err
	}
	return region.Credential{ID: email, Access: b.Link(id, email)}, nil
}

func (b *Backend) Revoke(ctx context.Context, credentialID string) error {
	err := b.users.RemoveUser(ctx, b.inbound.Tag, credentialID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// Link renders the vless:// reality URL for a client.
func (b *Backend) Link(id, name string) string {
	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("security", "reality")
	q.Set("sni", b.inbound.SNI)
	q.Set("fp", "chrome")
	q.Set("pbk", b.inbound.PublicKey)
	if b.inbound.ShortID != "" {
		q.Set("sid", b.inbound.ShortID)
	}
	q.Set("type", "tcp")
	q.Set("flow", b.inbound.Flow)

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(id),
		Host:     b.inbound.PublicHost + ":" + strconv.Itoa(b.inbound.Port),
		RawQuery: q.Encode(),
		Fragment: name,
	}
	return u.String()
}
