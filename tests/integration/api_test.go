package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/config"
	"github.com/dca57/MesSnippets-sub002/internal/credentials"
	"github.com/dca57/MesSnippets-sub002/internal/gateway"
	"github.com/dca57/MesSnippets-sub002/internal/identity"
	"github.com/dca57/MesSnippets-sub002/internal/plan"
	"github.com/dca57/MesSnippets-sub002/internal/policy"
	"github.com/dca57/MesSnippets-sub002/internal/provider"
	"github.com/dca57/MesSnippets-sub002/internal/quota"
	"github.com/dca57/MesSnippets-sub002/internal/usage"
	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TestEndToEndAPI runs the proxy against real Postgres and Redis with the
// schema from migrations/ applied. The vendor is a local fake.
func TestEndToEndAPI(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Connect to DB
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Connect to Redis
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	encryption, err := credentials.NewEncryptionService(cfg.Security.CredentialsKey, cfg.Security.CredentialsKeyID)
	if err != nil {
		t.Fatalf("failed to init encryption: %v", err)
	}
	store := database.NewStore(db, encryption)

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-integration" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer vendor.Close()

	// Seed fixtures
	suffix := time.Now().UnixNano()
	userID := uuid.NewString()
	providerID := fmt.Sprintf("it-openai-%d", suffix)
	origin := fmt.Sprintf("it-tool-%d", suffix)

	sealed, err := encryption.EncryptString("sk-integration")
	if err != nil {
		t.Fatalf("failed to encrypt credential: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO llm_providers (id, vendor_kind, model_id, api_key_encrypted, base_url, is_active)
		VALUES ($1, 'openai', 'gpt-4o-mini', $2, $3, true)
	`, providerID, sealed, vendor.URL); err != nil {
		t.Fatalf("failed to seed provider: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO tool_policies (origin, free_allowed, max_input_free, max_input_pro, max_output_free, max_output_pro)
		VALUES ($1, true, 2000, 8000, 512, 2048)
	`, origin); err != nil {
		t.Fatalf("failed to seed tool policy: %v", err)
	}

	verifier, err := identity.NewJWTVerifier(cfg.Identity.JWTSecret, cfg.Identity.Issuer, cfg.Identity.Audience)
	if err != nil {
		t.Fatalf("failed to init verifier: %v", err)
	}

	eventBus := events.NewBus(logger)
	limits := quota.NewLimits(store, cfg.Quota.DefaultFreeBudget, cfg.Quota.DefaultProBudget)
	registry := provider.NewRegistry(store, provider.NewBaseClient(&http.Client{}, cfg.Upstream.Timeout, cfg.Upstream.UserAgent, logger))
	registry.RegisterDefaults(cfg.Upstream)

	gw := gateway.NewGateway(gateway.Deps{
		Verifier:  verifier,
		Plans:     plan.NewResolver(store, eventBus, logger),
		Policies:  policy.NewService(store, logger),
		Ledger:    quota.NewReservationLedger(redisCache, store, limits, cfg.Quota.ReservationTTL, logger),
		Providers: registry,
		Recorder:  usage.NewRecorder(store, eventBus, logger),
		Bus:       eventBus,
		Health: map[string]gateway.HealthChecker{
			"postgres": db,
			"redis":    redisCache,
		},
		Logger: logger,
	}, gateway.Options{})

	// Create test server
	ts := httptest.NewServer(gw)
	defer ts.Close()

	// Test 1: Readiness
	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("readiness check failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    cfg.Identity.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	if cfg.Identity.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Identity.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Identity.JWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	// Test 2: Proxy a chat request
	chatReq := gateway.ChatRequest{
		Action:     "chat",
		ProviderID: providerID,
		Origin:     origin,
		Messages:   []models.Message{{Role: "user", Content: "Hello"}},
	}
	chatBody, _ := json.Marshal(chatReq)
	req, _ := http.NewRequest("POST", ts.URL+"/v1/llm-proxy", bytes.NewReader(chatBody))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	// Test 3: The call was recorded and counts against the month
	used, err := store.SumUsageSince(ctx, userID, quota.MonthStart(time.Now()))
	if err != nil {
		t.Fatalf("failed to sum usage: %v", err)
	}
	if used != 15 {
		t.Errorf("expected 15 tokens recorded, got %d", used)
	}

	req, _ = http.NewRequest("GET", ts.URL+"/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("quota request failed: %v", err)
	}
	var status gateway.QuotaStatus
	json.NewDecoder(resp.Body).Decode(&status)
	if status.Used != used {
		t.Errorf("expected quota used %d, got %d", used, status.Used)
	}
}
