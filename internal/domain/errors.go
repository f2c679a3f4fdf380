package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotInitialized = errors.New("domain: store not initialized")
	ErrMissingSession = errors.New("domain: missing session id")
)
