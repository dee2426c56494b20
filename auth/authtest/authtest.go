// Package authtest provides test doubles for the auth package.
package authtest

import (
	"context"

	"github.com/signalhub/chatbridge/auth"
)

// NoAuth is an authenticator that accepts every token. For tests and
// development deployments where the bridge sits behind a trusted boundary.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator. If userID is empty it defaults
// to "dev-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "dev-user"
	}
	return &NoAuth{UserID: userID}
}

var _ auth.Authenticator = (*NoAuth)(nil)

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &userInfo{userID: n.UserID}, nil
}

type userInfo struct {
	userID string
}

func (u *userInfo) UserID() string       { return u.userID }
func (u *userInfo) Claims(ref any) error { return nil }
