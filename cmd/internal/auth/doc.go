// Package auth authenticates chat clients.
//
// Access tokens are PASETO v4.public issued by the identity service; this package only
// verifies them against the issuer's public key. The user id carried in the token is the
// identity every chat operation acts as.
//
// A development mode accepts a plain X-User-ID header instead of a token. It must never be
// enabled in production.
package auth
