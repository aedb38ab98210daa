package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const maxLoggedBody = 1024

var errMissingFields = errors.New("response has no content or usage")

// callerGoneError marks a call abandoned by its caller's context. It does not
// count against the provider's breaker.
type callerGoneError struct {
	err error
}

func (e *callerGoneError) Error() string { return e.err.Error() }
func (e *callerGoneError) Unwrap() error { return e.err }

// BaseClient sends vendor requests with a per-call timeout and one circuit
// breaker per provider. It never retries; the caller may.
type BaseClient struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
	settings  gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithBreakerSettings overrides the circuit breaker settings. Name is set
// per provider.
func WithBreakerSettings(s gobreaker.Settings) BaseClientOption {
	return func(c *BaseClient) {
		c.settings = s
	}
}

// NewBaseClient creates a client. timeout bounds each upstream call on top of
// whatever deadline the caller's context carries.
func NewBaseClient(httpClient *http.Client, timeout time.Duration, userAgent string, logger *zap.Logger, opts ...BaseClientOption) *BaseClient {
	c := &BaseClient{
		client:    httpClient,
		timeout:   timeout,
		userAgent: userAgent,
		logger:    logger,
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BaseClient) breaker(providerID string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[providerID]
	if !ok {
		s := c.settings
		s.Name = providerID
		isSuccessful := s.IsSuccessful
		s.IsSuccessful = func(err error) bool {
			var gone *callerGoneError
			if errors.As(err, &gone) {
				return true
			}
			if isSuccessful != nil {
				return isSuccessful(err)
			}
			return err == nil
		}
		cb = gobreaker.NewCircuitBreaker[*http.Response](s)
		c.breakers[providerID] = cb
	}
	return cb
}

// Call describes one JSON request to a vendor.
type Call struct {
	ProviderID string
	Vendor     models.VendorKind
	URL        string
	Header     http.Header
	Body       interface{}
}

// PostJSON posts call.Body and decodes a 2xx response into out. Failures come
// back as apperr Upstream errors; vendor bodies are only logged.
func (c *BaseClient) PostJSON(ctx context.Context, call Call, out interface{}) error {
	payload, err := json.Marshal(call.Body)
	if err != nil {
		return apperr.Internal("failed to encode upstream request", err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.URL, bytes.NewReader(payload))
	if err != nil {
		return apperr.Internal("failed to build upstream request", err)
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.breaker(call.ProviderID).Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			if parent.Err() != nil {
				return nil, &callerGoneError{err: doErr}
			}
			return nil, doErr
		}
		// 5xx and 429 count against the breaker.
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	metrics.UpstreamDuration.WithLabelValues(call.ProviderID, string(call.Vendor)).Observe(time.Since(start).Seconds())

	if resp != nil {
		defer resp.Body.Close()
	}

	if mapped := c.mapError(call, resp, err); mapped != nil {
		metrics.UpstreamErrors.WithLabelValues(string(call.Vendor), mapped.Reason).Inc()
		return mapped
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(call, apperr.ReasonUpstreamUnavailable, fmt.Errorf("read body: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logBody(call, resp.StatusCode, body)
		return c.fail(call, apperr.ReasonUpstreamBadResponse, fmt.Errorf("decode body: %w", err))
	}
	return nil
}

func (c *BaseClient) fail(call Call, reason string, err error) *apperr.Error {
	metrics.UpstreamErrors.WithLabelValues(string(call.Vendor), reason).Inc()
	return apperr.Upstream(reason, err)
}

// mapError translates transport failures and non-2xx statuses. It returns nil
// for a 2xx response.
func (c *BaseClient) mapError(call Call, resp *http.Response, err error) *apperr.Error {
	if err != nil && resp == nil {
		c.logger.Warn("upstream call failed",
			zap.String("provider_id", call.ProviderID),
			zap.String("vendor", string(call.Vendor)),
			zap.Error(err),
		)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperr.Upstream(apperr.ReasonUpstreamUnavailable, fmt.Errorf("circuit breaker open: %w", err))
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return apperr.Upstream(apperr.ReasonUpstreamUnavailable, fmt.Errorf("upstream timed out: %w", err))
		}
		return apperr.Upstream(apperr.ReasonUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	c.logBody(call, resp.StatusCode, body)

	statusErr := fmt.Errorf("upstream returned %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return apperr.Upstream(apperr.ReasonUpstreamRateLimited, statusErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Upstream(apperr.ReasonUpstreamAuth, statusErr)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return apperr.Upstream(apperr.ReasonUpstreamBadRequest, statusErr)
	default:
		return apperr.Upstream(apperr.ReasonUpstreamFailure, statusErr)
	}
}

func (c *BaseClient) logBody(call Call, status int, body []byte) {
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	c.logger.Warn("upstream returned an error response",
		zap.String("provider_id", call.ProviderID),
		zap.String("vendor", string(call.Vendor)),
		zap.Int("status", status),
		zap.ByteString("body", body),
	)
}
