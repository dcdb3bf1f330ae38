// Package xray manages VLESS users on an Xray inbound through the Xray gRPC
// HandlerService.
package xray

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"regionvpn-bot/internal/apperr"
)

const DefaultFlow = "xtls-rprx-vision"

// UserInfo is one VLESS user on an inbound. Email is the unique key Xray
// uses to remove it again.
type UserInfo struct {
	UUID  string
	Email string
	Level uint32
	InTag string
	Flow  string
}

type Client struct {
	conn *grpc.ClientConn
	hs   command.HandlerServiceClient
}

// Dial prepares a client for addr (host:port). The connection is established
// lazily on first use.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("xray api %s: %w", addr, err)
	}
	return &Client{conn: conn, hs: command.NewHandlerServiceClient(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) AddUser(ctx context.Context, user UserInfo) error {
	flow := user.Flow
	if flow == "" {
		flow = DefaultFlow
	}
	_, err := c.hs.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: user.InTag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{
			User: &protocol.User{
				Level: user.Level,
				Email: user.Email,
				Account: serial.ToTypedMessage(&vless.Account{
					Id:         user.UUID,
					Flow:       flow,
					Encryption: "none",
				}),
			},
		}),
	})
	return classify(err)
}

func (c *Client) RemoveUser(ctx context.Context, inTag, email string) error {
	_, err := c.hs.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: inTag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{
			Email: email,
		}),
	})
	return classify(err)
}

// classify maps gRPC failures to the shared taxonomy. Xray reports missing
// users as plain Unknown errors, so the message is inspected too.
func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return apperr.FromTransport(err)
	}
	msg := strings.ToLower(st.Message())
	switch {
	case st.Code() == codes.NotFound, strings.Contains(msg, "not found"):
		return apperr.Wrap(apperr.ErrNotFound, err)
	case strings.Contains(msg, "already exists"):
		return apperr.Wrap(apperr.ErrConflict, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return apperr.Wrap(apperr.ErrTransient, err)
	case codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
		return apperr.Wrap(apperr.ErrGatewayUnavailable, err)
	case codes.Canceled:
		return err
	default:
		return apperr.Wrap(apperr.ErrRejected, err)
	}
}
