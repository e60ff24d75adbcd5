package auth

import "errors"

var (
	// ErrMissingToken is returned when a request carries no credentials.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned when a token fails verification or carries no user id.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid key or issuer configuration.
	ErrConfig = errors.New("invalid auth config")
)
