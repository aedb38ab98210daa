package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"go.uber.org/zap"
)

// RemoteVerifier asks the identity provider's user endpoint who a token
// belongs to.
type RemoteVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemoteVerifier creates a verifier against baseURL.
func NewRemoteVerifier(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verify calls GET {baseURL}/auth/v1/user. Anything but a 200 with a user id
// is Unauthorized; there are no retries.
func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (models.Caller, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return models.Caller{}, apperr.Unauthorized("invalid token", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Warn("identity provider unreachable", zap.Error(err))
		return models.Caller{}, apperr.Unauthorized("could not verify token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			v.logger.Warn("identity provider returned unexpected status",
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", body),
			)
		}
		return models.Caller{}, apperr.Unauthorized("invalid token", fmt.Errorf("identity provider status %d", resp.StatusCode))
	}

	var user remoteUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return models.Caller{}, apperr.Unauthorized("could not verify token", fmt.Errorf("decode user: %w", err))
	}
	if user.ID == "" {
		return models.Caller{}, apperr.Unauthorized("invalid token", fmt.Errorf("identity provider returned no user id"))
	}

	return models.Caller{UserID: user.ID, Email: user.Email}, nil
}
