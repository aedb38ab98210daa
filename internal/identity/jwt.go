package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the gateway reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewJWTVerifier creates a verifier. Empty issuer or audience skips that check.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTVerifier{secret: []byte(secret), opts: opts}, nil
}

// Verify parses and validates the token. The sub claim is the caller id.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (models.Caller, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return models.Caller{}, apperr.Unauthorized(msg, err)
	}

	if claims.Subject == "" {
		return models.Caller{}, apperr.Unauthorized("token has no subject", nil)
	}

	return models.Caller{UserID: claims.Subject, Email: claims.Email}, nil
}
