package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// LockLedger serialises each user's requests in process. Reserve takes the
// user's lock and it is held until Commit or Release, so the usage sum read
// at admission cannot change underneath a request. It only protects a
// single gateway instance.
type LockLedger struct {
	usage  UsageStore
	limits *Limits
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockLedger(usage UsageStore, limits *Limits) *LockLedger {
	return &LockLedger{
		usage:  usage,
		limits: limits,
		now:    time.Now,
		locks:  make(map[string]*userLock),
	}
}

func (l *LockLedger) acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	unref := func() {
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}

	if err := ul.sem.Acquire(ctx, 1); err != nil {
		unref()
		return nil, err
	}

	return func() {
		ul.sem.Release(1)
		unref()
	}, nil
}

func (l *LockLedger) admission(ctx context.Context, userID string, plan models.PlanTier) (Admission, error) {
	limit, err := l.limits.LimitFor(ctx, plan)
	if err != nil {
		return Admission{}, err
	}
	used, err := l.usage.SumUsageSince(ctx, userID, MonthStart(l.now()))
	if err != nil {
		return Admission{}, apperr.Internal("failed to sum usage", err)
	}
	return Admission{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// CheckAdmission sums the month's recorded usage. It does not take the lock.
func (l *LockLedger) CheckAdmission(ctx context.Context, userID string, plan models.PlanTier) (Admission, error) {
	return l.admission(ctx, userID, plan)
}

// Reserve waits for the user's lock, then checks the budget while holding it.
func (l *LockLedger) Reserve(ctx context.Context, userID string, plan models.PlanTier, estimate int64) (Reservation, error) {
	release, err := l.acquire(ctx, userID)
	if err != nil {
		metrics.QuotaReservations.WithLabelValues("error").Inc()
		return nil, apperr.Internal("quota lock wait aborted", err)
	}

	adm, err := l.admission(ctx, userID, plan)
	if err != nil {
		release()
		metrics.QuotaReservations.WithLabelValues("error").Inc()
		return nil, err
	}
	if !adm.Allowed {
		release()
		metrics.QuotaReservations.WithLabelValues("denied").Inc()
		return nil, apperr.QuotaExceeded(adm.Used, adm.Limit)
	}

	metrics.QuotaReservations.WithLabelValues("admitted").Inc()
	return &lockReservation{id: uuid.NewString(), estimate: estimate, release: release}, nil
}

// lockReservation holds the user's lock. The real cost is already in the
// usage store by the time it is committed, so settling only unlocks.
type lockReservation struct {
	id       string
	estimate int64
	release  func()
	done     atomic.Bool
}

func (r *lockReservation) ID() string      { return r.id }
func (r *lockReservation) Estimate() int64 { return r.estimate }

func (r *lockReservation) Commit(ctx context.Context, actual int64) error {
	r.unlock()
	return nil
}

func (r *lockReservation) Release(ctx context.Context) error {
	r.unlock()
	return nil
}

func (r *lockReservation) unlock() {
	if r.done.CompareAndSwap(false, true) {
		r.release()
	}
}
