package domain

import "errors"

var (
	// ErrUnauthenticated is fatal to a connection.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingContext = errors.New("missing conversation context")
	ErrStoreFailure   = errors.New("message store failure")
	ErrInvalidContent = errors.New("invalid message content")
	ErrSelfMessage    = errors.New("cannot message yourself")
	ErrRateLimited    = errors.New("rate limit exceeded")

	ErrNotFound = errors.New("not found")
)
