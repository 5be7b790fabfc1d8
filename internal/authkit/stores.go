package authkit

import (
	"context"
	"time"
)

// Identity is one registered account. ID is the subject that keys the
// doctor profile.
type Identity struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// IdentityStore persists password and Google identities.
type IdentityStore interface {
	CreatePasswordIdentity(ctx context.Context, email string, password string) (Identity, error)
	VerifyPassword(ctx context.Context, email string, password string) (Identity, error)
	FindIdentity(ctx context.Context, identityID string) (Identity, error)
	LinkGoogleIdentity(ctx context.Context, googleSub string, email string) (Identity, error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, identityID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (identityID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
