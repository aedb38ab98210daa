// Package identity binds a bearer credential to a Caller. The gateway only
// verifies credentials; it never issues them.
package identity

import (
	"context"
	"strings"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

// Verifier checks a bearer credential and returns the caller it belongs to.
// Every failure is an apperr Unauthorized error.
type Verifier interface {
	Verify(ctx context.Context, credential string) (models.Caller, error)
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" header.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", apperr.Unauthorized("missing authorization header", nil)
	}

	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", apperr.Unauthorized("authorization header must use the Bearer scheme", nil)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Unauthorized("empty bearer token", nil)
	}
	return token, nil
}
