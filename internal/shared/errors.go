package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidToken indicates a missing or unknown API token.
	ErrInvalidToken = errors.New("invalid api token")
	// ErrMissingPrincipal occurs when the caller identity headers are absent.
	ErrMissingPrincipal = errors.New("caller identity missing")
)
