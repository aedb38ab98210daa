package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/internal/identity"
	"github.com/dca57/MesSnippets-sub002/internal/plan"
	"github.com/dca57/MesSnippets-sub002/internal/policy"
	"github.com/dca57/MesSnippets-sub002/internal/provider"
	"github.com/dca57/MesSnippets-sub002/internal/quota"
	"github.com/dca57/MesSnippets-sub002/internal/usage"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

type contextKey string

const callerKey contextKey = "caller"

// HealthChecker is a dependency probed by /ready and the health ticker.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the components the gateway orchestrates.
type Deps struct {
	Verifier  identity.Verifier
	Plans     *plan.Resolver
	Policies  *policy.Service
	Ledger    quota.Ledger
	Providers *provider.Registry
	Recorder  *usage.Recorder
	// Limiter is optional; nil disables per-caller rate limiting.
	Limiter *RateLimiter
	Bus     *events.Bus
	// Health maps dependency names to their probes.
	Health map[string]HealthChecker
	Logger *zap.Logger
}

// Options configures the HTTP surface.
type Options struct {
	CORSAllowedOrigins []string
	MetricsEnabled     bool
	MetricsPath        string
	RequestTimeout     time.Duration
}

// Gateway handles API requests
type Gateway struct {
	verifier  identity.Verifier
	plans     *plan.Resolver
	policies  *policy.Service
	ledger    quota.Ledger
	providers *provider.Registry
	recorder  *usage.Recorder
	limiter   *RateLimiter
	bus       *events.Bus
	health    map[string]HealthChecker
	logger    *zap.Logger
	validate  *validator.Validate
	opts      Options
	router    *chi.Mux
}

// NewGateway creates a new API gateway
func NewGateway(deps Deps, opts Options) *Gateway {
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 90 * time.Second
	}

	g := &Gateway{
		verifier:  deps.Verifier,
		plans:     deps.Plans,
		policies:  deps.Policies,
		ledger:    deps.Ledger,
		providers: deps.Providers,
		recorder:  deps.Recorder,
		limiter:   deps.Limiter,
		bus:       deps.Bus,
		health:    deps.Health,
		logger:    deps.Logger,
		validate:  validator.New(),
		opts:      opts,
		router:    chi.NewRouter(),
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(g.opts.RequestTimeout))

	// Browser clients call the proxy cross-origin.
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.opts.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "apikey", "x-client-info"},
		MaxAge:         300,
	}))
	g.router.Use(preflightMiddleware)
	g.router.Use(SecurityMiddleware())

	if g.opts.MetricsEnabled {
		g.registerMetrics()
	}

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	g.router.Group(func(r chi.Router) {
		r.Use(RequestSizeLimitMiddleware(maxRequestBody))
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/llm-proxy", g.handleProxy)
		r.Get("/v1/quota", g.handleQuota)
	})
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, checker := range g.health {
		metrics.SetDependencyUp(name, checker.Health(ctx) == nil)
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// preflightMiddleware answers any OPTIONS request the CORS handler let
// through.
func preflightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := identity.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			g.writeError(w, r, err)
			return
		}

		caller, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			g.logger.Warn("authentication failed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Error(err),
			)
			g.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		caller, _ := callerFromContext(r.Context())
		allowed, info, err := g.limiter.Allow(r.Context(), caller.UserID)
		if err != nil {
			g.writeError(w, r, apperr.Internal("rate limit check failed", err))
			return
		}

		setRateLimitHeaders(w, info)
		if !allowed {
			g.writeError(w, r, apperr.RateLimited())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func callerFromContext(ctx context.Context) (models.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(models.Caller)
	return caller, ok
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, checker := range g.health {
		if err := checker.Health(ctx); err != nil {
			g.logger.Warn("dependency not ready", zap.String("service", name), zap.Error(err))
			g.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
				Error:   true,
				Message: name + " not ready",
			})
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, apperr.BadRequest("", "invalid request body"))
		return
	}

	result, err := g.Process(r.Context(), caller, req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	metrics.RequestsTotal.WithLabelValues("ok").Inc()
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := callerFromContext(ctx)

	resolution := g.plans.Resolve(ctx, caller)
	adm, err := g.ledger.CheckAdmission(ctx, caller.UserID, resolution.Plan)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	remaining := adm.Limit - adm.Used
	if remaining < 0 {
		remaining = 0
	}
	g.writeJSON(w, http.StatusOK, QuotaStatus{
		Plan:      resolution.Plan,
		Used:      adm.Used,
		Limit:     adm.Limit,
		Remaining: remaining,
		ResetsAt:  quota.NextMonthStart(time.Now()),
	})
}

// Helper functions

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError renders any error as an ErrorResponse. Causes of upstream and
// internal failures are logged here and never sent to the client.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)

	outcome := string(e.Kind)
	if e.Reason != "" {
		outcome = e.Reason
	}
	metrics.RequestsTotal.WithLabelValues(outcome).Inc()

	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindUpstream {
		g.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("kind", string(e.Kind)),
			zap.String("reason", e.Reason),
			zap.Error(e),
		)
	}

	resp := ErrorResponse{
		Error:   true,
		Message: e.PublicMessage(),
		Reason:  e.Reason,
	}
	if e.Reason == apperr.ReasonQuotaExceeded {
		used, limit := e.Used, e.Limit
		resp.Used = &used
		resp.Limit = &limit
	}
	g.writeJSON(w, e.Kind.HTTPStatus(), resp)
}
