package authkit

import "errors"

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided identifier.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenAlreadyRevoked signals a revoke call on an already-revoked token.
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")

	// ErrEmailTaken indicates that an identity already uses the email.
	ErrEmailTaken = errors.New("identity_store.email_taken")
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("identity_store.invalid_credentials")
	// ErrIdentityNotFound indicates no identity matched the subject.
	ErrIdentityNotFound = errors.New("identity_store.not_found")
	// ErrWeakPassword indicates the password is shorter than the configured minimum or too long for bcrypt.
	ErrWeakPassword = errors.New("identity_store.weak_password")
	// ErrInvalidEmail indicates an unparseable email address.
	ErrInvalidEmail = errors.New("identity_store.invalid_email")
)
