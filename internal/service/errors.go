package service

import "errors"

var (
	// ErrEmailTaken surfaces as 409 at the boundary.
	ErrEmailTaken = errors.New("email_taken")

	// ErrInvalidCredentials deliberately covers both unknown email and
	// wrong password so login failures cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid_credentials")

	// ErrInvalidRefreshToken covers unknown, redeemed, revoked, and
	// expired refresh tokens with one indistinguishable failure.
	ErrInvalidRefreshToken = errors.New("invalid_refresh_token")

	ErrInvalidResetToken = errors.New("invalid_reset_token")
	ErrInvalidCode       = errors.New("invalid_code")
	ErrAlreadyVerified   = errors.New("already_verified")
	ErrSamePassword      = errors.New("same_password")
	ErrNotFound          = errors.New("not_found")
)
