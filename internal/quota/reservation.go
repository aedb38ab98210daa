package quota

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KEYS[1] month counter, KEYS[2] reservation
// ARGV[1] limit, ARGV[2] estimate, ARGV[3] reservation ttl ms,
// ARGV[4] seed or -1, ARGV[5] counter ttl ms
// Returns {-1, 0} when the counter needs seeding, {0, used} when denied and
// {1, used} when reserved. used excludes this request's estimate.
var reserveScript = redis.NewScript(`
local used = redis.call('GET', KEYS[1])
if not used then
	if tonumber(ARGV[4]) < 0 then
		return {-1, 0}
	end
	redis.call('SET', KEYS[1], ARGV[4], 'PX', ARGV[5])
	used = tonumber(ARGV[4])
else
	used = tonumber(used)
end
if used >= tonumber(ARGV[1]) then
	return {0, used}
end
redis.call('INCRBY', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return {1, used}
`)

// KEYS[1] month counter, KEYS[2] reservation; ARGV[1] actual tokens.
// The reservation key is consumed, so the adjustment applies at most once.
var settleScript = redis.NewScript(`
local estimate = redis.call('GET', KEYS[2])
if not estimate then
	return 0
end
redis.call('DEL', KEYS[2])
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]) - tonumber(estimate))
end
return 1
`)

// ReservationLedger keeps a per-user monthly counter in Redis. Reserve adds
// the estimate atomically; settling replaces it with the real cost. The
// counter is seeded from the usage store the first time a month is touched.
type ReservationLedger struct {
	cache  *cache.Cache
	usage  UsageStore
	limits *Limits
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewReservationLedger creates a ledger. ttl bounds how long an unsettled
// reservation is remembered; it must outlive the upstream call.
func NewReservationLedger(c *cache.Cache, usage UsageStore, limits *Limits, ttl time.Duration, logger *zap.Logger) *ReservationLedger {
	return &ReservationLedger{
		cache:  c,
		usage:  usage,
		limits: limits,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func counterKey(userID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", userID, now.UTC().Format("2006-01"))
}

func reservationKey(id string) string {
	return "quota:res:" + id
}

// counterTTL keeps a month's counter until one day after the month ends.
func counterTTL(now time.Time) time.Duration {
	return NextMonthStart(now).Add(24 * time.Hour).Sub(now)
}

func (l *ReservationLedger) seed(ctx context.Context, userID string, now time.Time) (int64, error) {
	used, err := l.usage.SumUsageSince(ctx, userID, MonthStart(now))
	if err != nil {
		return 0, apperr.Internal("failed to sum usage", err)
	}
	return used, nil
}

// CheckAdmission reads the month counter, which includes reservations still
// in flight.
func (l *ReservationLedger) CheckAdmission(ctx context.Context, userID string, plan models.PlanTier) (Admission, error) {
	limit, err := l.limits.LimitFor(ctx, plan)
	if err != nil {
		return Admission{}, err
	}

	now := l.now()
	key := counterKey(userID, now)

	used, err := l.cache.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		used, err = l.seed(ctx, userID, now)
		if err != nil {
			return Admission{}, err
		}
		if err := l.cache.Client.SetNX(ctx, key, used, counterTTL(now)).Err(); err != nil {
			return Admission{}, apperr.Internal("failed to seed quota counter", err)
		}
	} else if err != nil {
		return Admission{}, apperr.Internal("failed to read quota counter", err)
	}

	return Admission{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// Reserve admits the request if the month counter is below the limit and
// charges estimate against it.
func (l *ReservationLedger) Reserve(ctx context.Context, userID string, plan models.PlanTier, estimate int64) (Reservation, error) {
	limit, err := l.limits.LimitFor(ctx, plan)
	if err != nil {
		return nil, err
	}

	now := l.now()
	res := &redisReservation{
		ledger:   l,
		id:       uuid.NewString(),
		counter:  counterKey(userID, now),
		estimate: estimate,
	}
	keys := []string{res.counter, reservationKey(res.id)}

	seed := int64(-1)
	for attempt := 0; attempt < 2; attempt++ {
		out, err := l.cache.Run(ctx, reserveScript, keys,
			limit, estimate, l.ttl.Milliseconds(), seed, counterTTL(now).Milliseconds(),
		).Int64Slice()
		if err != nil {
			metrics.QuotaReservations.WithLabelValues("error").Inc()
			return nil, apperr.Internal("failed to reserve quota", err)
		}

		switch out[0] {
		case 1:
			metrics.QuotaReservations.WithLabelValues("admitted").Inc()
			return res, nil
		case 0:
			metrics.QuotaReservations.WithLabelValues("denied").Inc()
			return nil, apperr.QuotaExceeded(out[1], limit)
		}

		if seed, err = l.seed(ctx, userID, now); err != nil {
			return nil, err
		}
	}

	metrics.QuotaReservations.WithLabelValues("error").Inc()
	return nil, apperr.Internal("failed to reserve quota", fmt.Errorf("counter %s not seeded", res.counter))
}

type redisReservation struct {
	ledger   *ReservationLedger
	id       string
	counter  string
	estimate int64
	settled  atomic.Bool
}

func (r *redisReservation) ID() string      { return r.id }
func (r *redisReservation) Estimate() int64 { return r.estimate }

// Commit replaces the estimate with the actual cost.
func (r *redisReservation) Commit(ctx context.Context, actual int64) error {
	return r.settle(ctx, actual)
}

// Release returns the whole estimate.
func (r *redisReservation) Release(ctx context.Context) error {
	return r.settle(ctx, 0)
}

func (r *redisReservation) settle(ctx context.Context, actual int64) error {
	if r.settled.Load() {
		return nil
	}
	// Settling happens after the response is decided and must not be
	// abandoned because the caller went away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.ledger.cache.Run(ctx, settleScript, []string{r.counter, reservationKey(r.id)}, actual).Err()
	if err != nil {
		r.ledger.logger.Error("failed to settle quota reservation",
			zap.String("reservation_id", r.id),
			zap.Int64("actual", actual),
			zap.Error(err),
		)
		return fmt.Errorf("failed to settle reservation %s: %w", r.id, err)
	}
	r.settled.Store(true)
	return nil
}
