package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Decrypter opens provider credentials stored encrypted at rest.
type Decrypter interface {
	DecryptString(ciphertext []byte) (string, error)
}

// Store reads subscriptions, tool policies, plan limits and provider configs,
// and appends and sums usage events.
type Store struct {
	db        *Database
	decrypter Decrypter
}

// NewStore creates a store over the given database.
func NewStore(db *Database, decrypter Decrypter) *Store {
	return &Store{db: db, decrypter: decrypter}
}

// GetSubscription loads the stored subscription of a user.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*models.SubscriptionState, error) {
	var (
		tier      string
		expiresAt *time.Time
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT plan_tier, expires_at
		FROM subscriptions
		WHERE user_id = $1
	`, userID).Scan(&tier, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &models.SubscriptionState{
		UserID:    userID,
		Tier:      models.ParsePlanTier(tier),
		ExpiresAt: expiresAt,
	}, nil
}

// GetToolPolicy loads the policy configured for an origin.
func (s *Store) GetToolPolicy(ctx context.Context, origin string) (*models.ToolPolicy, error) {
	p := models.ToolPolicy{Origin: origin}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT free_allowed, max_input_free, max_input_pro, max_output_free, max_output_pro
		FROM tool_policies
		WHERE origin = $1
	`, origin).Scan(
		&p.FreeAllowed,
		&p.MaxInputTokens.Free,
		&p.MaxInputTokens.Pro,
		&p.MaxOutputTokens.Free,
		&p.MaxOutputTokens.Pro,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tool policy: %w", err)
	}
	return &p, nil
}

// GetPlanLimits loads the monthly budget of a plan tier.
func (s *Store) GetPlanLimits(ctx context.Context, tier models.PlanTier) (*models.PlanLimits, error) {
	limits := models.PlanLimits{Tier: tier}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT monthly_token_budget
		FROM plan_limits
		WHERE plan_tier = $1
	`, string(tier)).Scan(&limits.MonthlyTokenBudget)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plan limits: %w", err)
	}
	return &limits, nil
}

// GetProvider loads a provider configuration and decrypts its credential.
func (s *Store) GetProvider(ctx context.Context, providerID string) (*models.ProviderConfig, error) {
	var (
		cfg       models.ProviderConfig
		vendor    string
		encrypted []byte
		baseURL   *string
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, vendor_kind, model_id, api_key_encrypted, base_url, is_active
		FROM llm_providers
		WHERE id = $1
	`, providerID).Scan(&cfg.ID, &vendor, &cfg.ModelID, &encrypted, &baseURL, &cfg.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	cfg.VendorKind = models.VendorKind(vendor)
	if baseURL != nil {
		cfg.BaseURL = *baseURL
	}

	// Inactive providers are never dispatched, so their secret is left sealed.
	if cfg.IsActive && len(encrypted) > 0 {
		credential, err := s.decrypter.DecryptString(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt provider credential: %w", err)
		}
		cfg.Credential = credential
	}

	return &cfg, nil
}

// InsertUsageEvent appends a usage event.
func (s *Store) InsertUsageEvent(ctx context.Context, event models.UsageEvent) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO usage_events (
			id, user_id, provider_id, model, tokens_in, tokens_out, origin, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		event.ID,
		event.UserID,
		event.ProviderID,
		event.Model,
		event.TokensIn,
		event.TokensOut,
		event.Origin,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// SumUsageSince returns tokens_in + tokens_out over the user's events created
// at or after since.
func (s *Store) SumUsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens_in + tokens_out), 0)
		FROM usage_events
		WHERE user_id = $1
		  AND created_at >= $2
	`, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}
