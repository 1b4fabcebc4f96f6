package auth

import "errors"

var (
	// ErrUnauthenticated means the bearer token is missing, malformed, badly
	// signed or expired.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the identity is valid but its role is not allowed.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidToken covers refresh and reset tokens that fail verification,
	// were already used, or name a subject that no longer exists.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for refresh and reset tokens past their window.
	ErrExpiredToken = errors.New("token has expired")

	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
)
