package domain

import "context"

// Identity is a verified user.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"username"`
}

// TokenVerifier resolves a bearer credential to an identity.
// Failures wrap ErrUnauthenticated.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}
