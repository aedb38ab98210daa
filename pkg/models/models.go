package models

import (
	"time"

	"github.com/google/uuid"
)

// Caller is the identity bound to a request after credential verification.
type Caller struct {
	UserID string
	Email  string
}

// PlanTier is a subscription tier.
type PlanTier string

const (
	PlanFree PlanTier = "free"
	PlanPro  PlanTier = "pro"
)

// ParsePlanTier normalises a stored tier value. Anything unrecognised is free.
func ParsePlanTier(s string) PlanTier {
	if PlanTier(s) == PlanPro {
		return PlanPro
	}
	return PlanFree
}

// SubscriptionState is the stored subscription of a user. The billing
// collaborator owns it; the gateway only reads it.
type SubscriptionState struct {
	UserID    string
	Tier      PlanTier
	ExpiresAt *time.Time
}

// TokenCeilings holds a per-plan token ceiling.
type TokenCeilings struct {
	Free int `json:"free"`
	Pro  int `json:"pro"`
}

// For returns the ceiling for the given plan.
func (c TokenCeilings) For(plan PlanTier) int {
	if plan == PlanPro {
		return c.Pro
	}
	return c.Free
}

// ToolPolicy is the per-origin configuration of a calling feature.
type ToolPolicy struct {
	Origin          string
	FreeAllowed     bool
	MaxInputTokens  TokenCeilings
	MaxOutputTokens TokenCeilings
}

// PlanLimits is the monthly token budget of a plan.
type PlanLimits struct {
	Tier               PlanTier
	MonthlyTokenBudget int64
}

// UsageEvent records one completed upstream call. Events are append-only.
type UsageEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Origin     string    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`
}

// TotalTokens is the quota cost of the event.
func (e UsageEvent) TotalTokens() int64 {
	return int64(e.TokensIn) + int64(e.TokensOut)
}

// VendorKind identifies the upstream API family of a provider.
type VendorKind string

const (
	VendorOpenAI     VendorKind = "openai"
	VendorOpenRouter VendorKind = "openrouter"
	VendorAnthropic  VendorKind = "anthropic"
)

// ProviderConfig is the connection configuration of an upstream provider.
// Credential is always the decrypted secret.
type ProviderConfig struct {
	ID         string
	VendorKind VendorKind
	ModelID    string
	Credential string
	BaseURL    string
	IsActive   bool
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}
