package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/internal/store/memory"
	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newStore(freeLimit, proLimit int64) *memory.Store {
	store := memory.New()
	store.PutPlanLimits(models.PlanLimits{Tier: models.PlanFree, MonthlyTokenBudget: freeLimit})
	store.PutPlanLimits(models.PlanLimits{Tier: models.PlanPro, MonthlyTokenBudget: proLimit})
	return store
}

func addUsage(t *testing.T, store *memory.Store, userID string, tokens int, at time.Time) {
	t.Helper()
	require.NoError(t, store.InsertUsageEvent(context.Background(), models.UsageEvent{
		UserID:    userID,
		TokensIn:  tokens,
		CreatedAt: at,
	}))
}

func newRedisLedger(t *testing.T, store *memory.Store) (*ReservationLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewReservationLedger(cache.NewFromClient(client), store, NewLimits(store, 10000, 100000), 10*time.Minute, zap.NewNop())
	l.now = func() time.Time { return fixedNow }
	return l, mr
}

func counterValue(t *testing.T, mr *miniredis.Miniredis, userID string) string {
	t.Helper()
	v, err := mr.Get(counterKey(userID, fixedNow))
	require.NoError(t, err)
	return v
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-11-01 05:00 in UTC+9 is still October in UTC
	local := time.Date(2026, 11, 1, 5, 0, 0, 0, loc)

	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), MonthStart(local))
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), NextMonthStart(local))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextMonthStart(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)))
}

func TestLimitFor(t *testing.T) {
	ctx := context.Background()

	stored := NewLimits(newStore(500, 5000), 10000, 100000)
	limit, err := stored.LimitFor(ctx, models.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), limit)

	defaults := NewLimits(memory.New(), 10000, 100000)
	limit, err = defaults.LimitFor(ctx, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), limit)
}

func TestReservationLedgerCheckAdmissionSeedsFromStore(t *testing.T) {
	store := newStore(10000, 10000)
	addUsage(t, store, "u1", 9500, fixedNow.Add(-time.Hour))
	addUsage(t, store, "u1", 4000, MonthStart(fixedNow).Add(-time.Second)) // last month
	l, mr := newRedisLedger(t, store)

	adm, err := l.CheckAdmission(context.Background(), "u1", models.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, Admission{Allowed: true, Used: 9500, Limit: 10000}, adm)
	assert.Equal(t, "9500", counterValue(t, mr, "u1"))
	assert.True(t, mr.TTL(counterKey("u1", fixedNow)) > 0)
}

func TestReservationLedgerDeniesAtLimit(t *testing.T) {
	store := newStore(10000, 100000)
	addUsage(t, store, "u1", 10000, fixedNow)
	l, _ := newRedisLedger(t, store)
	ctx := context.Background()

	adm, err := l.CheckAdmission(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	assert.False(t, adm.Allowed)

	_, err = l.Reserve(ctx, "u1", models.PlanFree, 1)
	require.Error(t, err)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.ReasonQuotaExceeded, appErr.Reason)
	assert.Equal(t, int64(10000), appErr.Used)
	assert.Equal(t, int64(10000), appErr.Limit)
}

func TestReservationLedgerAdmitsBelowLimitThenReconciles(t *testing.T) {
	store := newStore(10000, 10000)
	addUsage(t, store, "u1", 9500, fixedNow)
	l, mr := newRedisLedger(t, store)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", models.PlanPro, 800)
	require.NoError(t, err)
	assert.Equal(t, "10300", counterValue(t, mr, "u1"))

	addUsage(t, store, "u1", 650, fixedNow)
	require.NoError(t, res.Commit(ctx, 650))
	assert.Equal(t, "10150", counterValue(t, mr, "u1"))

	// settling again has no effect
	require.NoError(t, res.Commit(ctx, 650))
	require.NoError(t, res.Release(ctx))
	assert.Equal(t, "10150", counterValue(t, mr, "u1"))

	adm, err := l.CheckAdmission(ctx, "u1", models.PlanPro)
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
	assert.Equal(t, int64(10150), adm.Used)
}

func TestReservationLedgerReleaseReturnsEstimate(t *testing.T) {
	store := newStore(10000, 100000)
	l, mr := newRedisLedger(t, store)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", models.PlanFree, 500)
	require.NoError(t, err)
	assert.Equal(t, "500", counterValue(t, mr, "u1"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, res.Release(cancelled))
	assert.Equal(t, "0", counterValue(t, mr, "u1"))
	assert.False(t, mr.Exists(reservationKey(res.ID())))
}

func TestReservationLedgerSettleIsIdempotentAcrossInstances(t *testing.T) {
	store := newStore(10000, 100000)
	l, mr := newRedisLedger(t, store)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", models.PlanFree, 300)
	require.NoError(t, err)
	r := res.(*redisReservation)

	// a retry from a second handle to the same reservation
	twin := &redisReservation{ledger: l, id: r.id, counter: r.counter, estimate: r.estimate}
	require.NoError(t, res.Commit(ctx, 100))
	require.NoError(t, twin.Commit(ctx, 100))
	assert.Equal(t, "100", counterValue(t, mr, "u1"))
}

func TestReservationLedgerExpiredReservationStaysCharged(t *testing.T) {
	store := newStore(10000, 100000)
	l, mr := newRedisLedger(t, store)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", models.PlanFree, 400)
	require.NoError(t, err)

	mr.FastForward(11 * time.Minute)
	require.NoError(t, res.Commit(ctx, 50))
	assert.Equal(t, "400", counterValue(t, mr, "u1"))
}

func TestReservationLedgerConcurrentReservesStopAtLimit(t *testing.T) {
	store := newStore(1000, 100000)
	l, _ := newRedisLedger(t, store)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		denied   atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(context.Background(), "u1", models.PlanFree, 100)
			if err == nil {
				admitted.Add(1)
				return
			}
			if apperr.IsKind(err, apperr.KindForbidden) {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	assert.Equal(t, int32(10), denied.Load())
}

func TestReservationLedgerMatchesRecordedUsage(t *testing.T) {
	store := newStore(100000, 100000)
	l, mr := newRedisLedger(t, store)
	ctx := context.Background()

	for _, actual := range []int{120, 0, 999, 37} {
		res, err := l.Reserve(ctx, "u1", models.PlanFree, 500)
		require.NoError(t, err)
		addUsage(t, store, "u1", actual, fixedNow)
		require.NoError(t, res.Commit(ctx, int64(actual)))
	}

	sum, err := store.SumUsageSince(ctx, "u1", MonthStart(fixedNow))
	require.NoError(t, err)

	adm, err := l.CheckAdmission(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, sum, adm.Used)

	// a cold counter reseeds to the same value
	mr.FlushAll()
	adm, err = l.CheckAdmission(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, sum, adm.Used)
}

func TestReservationLedgerRedisDown(t *testing.T) {
	store := newStore(1000, 100000)
	l, mr := newRedisLedger(t, store)
	mr.Close()

	_, err := l.Reserve(context.Background(), "u1", models.PlanFree, 10)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

func newLockLedger(store *memory.Store) *LockLedger {
	l := NewLockLedger(store, NewLimits(store, 10000, 100000))
	l.now = func() time.Time { return fixedNow }
	return l
}

func TestLockLedgerDeniesAtLimit(t *testing.T) {
	store := newStore(1000, 100000)
	addUsage(t, store, "u1", 1000, fixedNow)
	l := newLockLedger(store)

	_, err := l.Reserve(context.Background(), "u1", models.PlanFree, 10)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	adm, err := l.CheckAdmission(context.Background(), "u1", models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, Admission{Allowed: false, Used: 1000, Limit: 1000}, adm)
	assert.Empty(t, l.locks)
}

func TestLockLedgerConcurrentRequestsStopAtLimit(t *testing.T) {
	store := newStore(1000, 100000)
	l := newLockLedger(store)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(context.Background(), "u1", models.PlanFree, 300)
			if err != nil {
				return
			}
			admitted.Add(1)
			addUsage(t, store, "u1", 300, fixedNow)
			assert.NoError(t, res.Commit(context.Background(), 300))
		}()
	}
	wg.Wait()

	// 0, 300, 600 and 900 are below the limit; 1200 is not
	assert.Equal(t, int32(4), admitted.Load())
	assert.Empty(t, l.locks)
}

func TestLockLedgerReserveHonoursContext(t *testing.T) {
	store := newStore(1000, 100000)
	l := newLockLedger(store)

	held, err := l.Reserve(context.Background(), "u1", models.PlanFree, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Reserve(ctx, "u1", models.PlanFree, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))

	// other users are not blocked
	other, err := l.Reserve(context.Background(), "u2", models.PlanFree, 1)
	require.NoError(t, err)
	require.NoError(t, other.Release(context.Background()))

	require.NoError(t, held.Release(context.Background()))
	require.NoError(t, held.Release(context.Background()))
	assert.Empty(t, l.locks)
}
