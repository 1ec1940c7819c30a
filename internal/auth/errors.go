package auth

import "errors"

// Verification failures map onto a fixed taxonomy so transport layers can
// translate them to status codes without inspecting messages. Detail beyond
// the sentinel (wrong algorithm, bad signature, missing subject) is wrapped
// so it reaches server-side logs but is never sent to the caller.
var (
	// ErrMissingToken is returned when no token could be extracted from
	// any configured carrier.
	ErrMissingToken = errors.New("not authenticated")

	// ErrInvalidToken covers malformed tokens, algorithm mismatches,
	// wrong token types, bad signatures, and missing subjects.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken is returned for structurally valid tokens whose
	// exp claim has passed.
	ErrExpiredToken = errors.New("token has expired")

	// ErrKeyNotFound is returned when the JWKS does not contain the
	// token's signing key. The verifier folds it into ErrInvalidToken.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrTenantNotFound is returned when a resolved tenant id is not
	// registered.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantInactive is returned when a resolved tenant exists but has
	// been deactivated.
	ErrTenantInactive = errors.New("tenant inactive")
)
