package meal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/generic/store"
	"github.com/warp/meal-ledger/meal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// lockHookStore runs onLock inside the transaction just before a period lock
// is granted. It stands in for a writer that commits while we wait on the lock.
type lockHookStore struct {
	meal.Store
	mu     *sync.Mutex
	locks  *[]generic.PeriodKey
	onLock func(ctx context.Context, tx meal.Store, key generic.PeriodKey) error
}

func newLockHookStore(inner meal.Store) lockHookStore {
	return lockHookStore{Store: inner, mu: &sync.Mutex{}, locks: &[]generic.PeriodKey{}}
}

func (h lockHookStore) WithTx(ctx context.Context, fn func(meal.Store) error) error {
	return h.Store.WithTx(ctx, func(tx meal.Store) error {
		inner := h
		inner.Store = tx
		return fn(inner)
	})
}

func (h lockHookStore) LockPeriod(ctx context.Context, key generic.PeriodKey) error {
	if h.onLock != nil {
		if err := h.onLock(ctx, h.Store, key); err != nil {
			return err
		}
	}
	h.mu.Lock()
	*h.locks = append(*h.locks, key)
	h.mu.Unlock()
	return h.Store.LockPeriod(ctx, key)
}

func (h lockHookStore) lockOrder() []generic.PeriodKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]generic.PeriodKey(nil), *h.locks...)
}

// seedMayJune stores May (opening 100, 0.1 kg/student) and June chained to it.
func seedMayJune(t *testing.T, svc *meal.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SaveRiceLedger(ctx, riceInput(2025, 5, "100", "0.1"))
	require.NoError(t, err)
	_, err = svc.SaveRiceLedger(ctx, riceInput(2025, 6, "100", "0.1"))
	require.NoError(t, err)
}

// =============================================================================
// LOCK CONTRACT
// =============================================================================

func TestRecompute_ReadsLaterPeriodsUnderTheirLock(t *testing.T) {
	// GIVEN: May and June rice ledgers
	// WHEN: A May event cascades into June, and June's lifted quantity is
	//       committed by another writer while the cascade waits for June's lock
	// THEN: The cascade folds the committed June row and keeps lifted = 50

	mem := store.NewMemory()
	require.NoError(t, mem.SaveSchool(context.Background(), meal.School{ID: "s1", Name: "North Primary"}))
	hooked := newLockHookStore(mem)
	svc := meal.NewService(hooked, nil, nil)
	seedMayJune(t, svc)

	june := generic.NewPeriodKey("s1", 2025, 6)
	fired := false
	hooked.onLock = func(ctx context.Context, tx meal.Store, key generic.PeriodKey) error {
		if key != june || fired {
			return nil
		}
		fired = true
		row, err := tx.GetRiceLedger(ctx, june)
		if err != nil {
			return err
		}
		row.Lifted = primary("50")
		row.UpdatedAt = row.UpdatedAt.Add(time.Second)
		return tx.SaveRiceLedger(ctx, *row)
	}
	svc.Store = hooked // NewService kept a copy without the hook

	_, err := svc.CreateEvent(context.Background(), meal.EventInput{
		SchoolID: "s1", Date: generic.NewTimePoint(2025, 5, 2), ServedPrimary: 10,
	})
	require.NoError(t, err)
	require.True(t, fired)

	got := riceOf(t, mem, 2025, 6)
	assert.Equal(t, "50.00", got.Lifted.Primary.StringFixed(2), "edit committed while waiting must survive")
	assert.Equal(t, "99.00", got.Opening.Primary.StringFixed(2))
	assert.Equal(t, "149.00", got.Closing.Primary.StringFixed(2))
}

func TestRecompute_LocksAscending(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.SaveSchool(context.Background(), meal.School{ID: "s1", Name: "North Primary"}))
	hooked := newLockHookStore(mem)
	svc := meal.NewService(hooked, nil, nil)
	for _, m := range []int{4, 5, 6} {
		_, err := svc.SaveRiceLedger(context.Background(), riceInput(2025, m, "100", "0.1"))
		require.NoError(t, err)
	}
	*hooked.locks = nil

	_, err := svc.RecalcChain(context.Background(), "s1")
	require.NoError(t, err)

	order := hooked.lockOrder()
	require.Len(t, order, 3)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Ordinal(), order[i].Ordinal())
	}
}

func TestService_ConcurrentEditsOfAdjacentPeriods(t *testing.T) {
	// GIVEN: May and June chained
	// WHEN: One service adds a May event while another sets June's lifted
	// THEN: Whichever commits first, June keeps lifted 50 and opens at May's closing

	svc, mem, _ := newTestService(t)
	seedMayJune(t, svc)
	other := meal.NewService(mem, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.CreateEvent(context.Background(), meal.EventInput{
			SchoolID: "s1", Date: generic.NewTimePoint(2025, 5, 2), ServedPrimary: 10,
		})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		in := riceInput(2025, 6, "99", "0.1")
		in.Lifted = primary("50")
		_, err := other.SaveRiceLedger(context.Background(), in)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	may := riceOf(t, mem, 2025, 5)
	june := riceOf(t, mem, 2025, 6)
	assert.Equal(t, "99.00", may.Closing.Primary.StringFixed(2))
	assert.Equal(t, "50.00", june.Lifted.Primary.StringFixed(2))
	assert.Equal(t, "99.00", june.Opening.Primary.StringFixed(2))
	assert.Equal(t, "149.00", june.Closing.Primary.StringFixed(2))
}
