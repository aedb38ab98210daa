// Package memory is an in-process implementation of the gateway's store
// interfaces, used by tests and local runs without Postgres.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

// Store holds subscriptions, policies, limits, providers and usage events in
// maps guarded by a single lock.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]models.SubscriptionState
	policies      map[string]models.ToolPolicy
	limits        map[models.PlanTier]models.PlanLimits
	providers     map[string]models.ProviderConfig
	events        []models.UsageEvent

	reads atomic.Int64

	// Fail* inject errors into the matching lookup.
	FailSubscriptions error
	FailPolicies      error
	FailInserts       error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]models.SubscriptionState),
		policies:      make(map[string]models.ToolPolicy),
		limits:        make(map[models.PlanTier]models.PlanLimits),
		providers:     make(map[string]models.ProviderConfig),
	}
}

func (s *Store) PutSubscription(state models.SubscriptionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[state.UserID] = state
}

func (s *Store) PutToolPolicy(p models.ToolPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Origin] = p
}

func (s *Store) PutPlanLimits(l models.PlanLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[l.Tier] = l
}

func (s *Store) PutProvider(cfg models.ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[cfg.ID] = cfg
}

// Reads returns the number of lookups served so far.
func (s *Store) Reads() int64 {
	return s.reads.Load()
}

// Events returns a copy of the stored usage events.
func (s *Store) Events() []models.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (*models.SubscriptionState, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailSubscriptions != nil {
		return nil, s.FailSubscriptions
	}
	state, ok := s.subscriptions[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &state, nil
}

func (s *Store) GetToolPolicy(ctx context.Context, origin string) (*models.ToolPolicy, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailPolicies != nil {
		return nil, s.FailPolicies
	}
	p, ok := s.policies[origin]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetPlanLimits(ctx context.Context, tier models.PlanTier) (*models.PlanLimits, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.limits[tier]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &l, nil
}

func (s *Store) GetProvider(ctx context.Context, providerID string) (*models.ProviderConfig, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.providers[providerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &cfg, nil
}

func (s *Store) InsertUsageEvent(ctx context.Context, event models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailInserts != nil {
		return s.FailInserts
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) SumUsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.events {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			total += e.TotalTokens()
		}
	}
	return total, nil
}
