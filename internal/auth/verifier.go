// Package auth verifies the bearer tokens clients present when opening a chat connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"marketchat/internal/domain"
)

// Claims is the payload carried by marketplace access tokens.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// identity is the resolved subject of a token, validated before use.
type identity struct {
	UserID      string `validate:"required,max=128"`
	DisplayName string `validate:"required,max=256"`
}

// JWTVerifier implements domain.TokenVerifier for HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	parser   *jwt.Parser
	validate *validator.Validate
}

var _ domain.TokenVerifier = (*JWTVerifier)(nil)

// Options tunes token validation.
type Options struct {
	Issuer string
	Leeway time.Duration
}

func NewJWTVerifier(secret string, opts Options) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   opts.Issuer,
		parser:   jwt.NewParser(parserOpts...),
		validate: validator.New(),
	}, nil
}

// Verify parses the token and resolves it to an identity. It has no side effects.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, jwt.ErrSignatureInvalid)
	}

	id := identity{UserID: claims.UserID, DisplayName: claims.Username}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	if err := v.validate.Struct(id); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: invalid claims: %v", domain.ErrUnauthenticated, err)
	}
	return domain.Identity{UserID: id.UserID, DisplayName: id.DisplayName}, nil
}
