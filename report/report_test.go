package report_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/generic/store"
	"github.com/warp/meal-ledger/lock"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now   = time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)
	april = generic.NewPeriodKey("s1", 2025, 4)
)

type fixture struct {
	store  *store.Memory
	ledger *meal.Service
	gen    *report.Generator
	stale  *report.StaleService
	job    *report.RegenerateJob
	locker *lock.Local
	sleeps []time.Duration
}

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemory(), locker: lock.NewLocal()}
	require.NoError(t, f.store.SaveSchool(ctx, meal.School{ID: "s1", Name: "North Primary"}))

	clock := generic.FixedClock{At: now}
	f.ledger = meal.NewService(f.store, nil, nil)
	f.gen = report.NewGenerator(f.store, f.store, clock)
	f.stale = report.NewStaleService(f.store, clock, nil)
	f.job = report.NewRegenerateJob(f.store, f.store, f.gen, f.stale, f.locker, nil)
	f.job.Sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

// seedApril gives April a rice ledger, an amount ledger and two serving days.
func (f *fixture) seedApril(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.SaveRiceLedger(ctx, meal.RiceLedgerInput{
		SchoolID: "s1", Year: 2025, Month: 4,
		Opening:   generic.SectionValues{Primary: d("100"), Middle: d("50")},
		DailyRate: generic.SectionValues{Primary: d("0.1"), Middle: d("0.15")},
	})
	require.NoError(t, err)
	_, err = f.ledger.SaveAmountLedger(ctx, meal.AmountLedgerInput{
		SchoolID: "s1", Year: 2025, Month: 4,
		Opening:      generic.SectionValues{Primary: d("500")},
		PrimaryRates: meal.CategoryRates{Pulses: d("1"), Vegetables: d("1"), Oil: d("1"), Salt: d("1"), Fuel: d("1")},
		Salt:         meal.SaltSplit{Common: d("100")},
	})
	require.NoError(t, err)
	for day, n := range []int{20, 30} {
		_, err := f.ledger.CreateEvent(ctx, meal.EventInput{
			SchoolID: "s1", Date: generic.NewTimePoint(2025, 4, day+1), ServedPrimary: n, ServedMiddle: 10,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) get(t *testing.T, key generic.PeriodKey, kind report.Kind) *report.Report {
	t.Helper()
	r, err := f.store.GetReport(context.Background(), key, kind)
	require.NoError(t, err)
	return r
}

func saveReport(t *testing.T, s *store.Memory, key generic.PeriodKey, kind report.Kind) report.Report {
	t.Helper()
	r := report.Report{ID: report.ReportID(key, kind), SchoolID: key.SchoolID, Kind: kind, Year: key.Year, Month: key.Month}
	require.NoError(t, s.SaveReport(context.Background(), r))
	return r
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestReport_StateTransitions(t *testing.T) {
	r := report.Report{ID: "r1"}
	assert.Equal(t, report.Fresh{}, r.State())
	assert.Zero(t, r.StaleFor(now))

	stale := r.WithState(report.Stale{Reason: "daily event created", Since: now.Add(-time.Hour)})
	assert.True(t, stale.IsStale)
	assert.Equal(t, report.Stale{Reason: "daily event created", Since: now.Add(-time.Hour)}, stale.State())
	assert.Equal(t, time.Hour, stale.StaleFor(now))

	fresh := stale.WithState(report.Fresh{})
	assert.False(t, fresh.IsStale)
	assert.Empty(t, fresh.StaleReason)
	assert.Nil(t, fresh.StaleAt)
}

func TestReportID_DeterministicPerKeyAndKind(t *testing.T) {
	assert.Equal(t, report.ReportID(april, report.KindRice), report.ReportID(april, report.KindRice))
	assert.NotEqual(t, report.ReportID(april, report.KindRice), report.ReportID(april, report.KindAmount))
	assert.NotEqual(t, report.ReportID(april, report.KindRice), report.ReportID(april.Next(), report.KindRice))
}

// =============================================================================
// STALE SERVICE
// =============================================================================

func TestStale_MarkStaleFor_MissingReportIsNoop(t *testing.T) {
	f := newFixture(t)
	marked, err := f.stale.MarkStaleFor(context.Background(), april, report.KindRice, "x")
	require.NoError(t, err)
	assert.False(t, marked)

	all, err := f.store.ListReports(context.Background(), report.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all, "marking stale never creates reports")
}

func TestStale_MarkStale_RefreshesReasonOnSameRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := saveReport(t, f.store, april, report.KindRice)

	_, err := f.stale.MarkStale(ctx, r, "first")
	require.NoError(t, err)
	marked, err := f.stale.MarkStaleFor(ctx, april, report.KindRice, "second")
	require.NoError(t, err)
	assert.True(t, marked)

	got := f.get(t, april, report.KindRice)
	require.NotNil(t, got)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "second", got.StaleReason)
	assert.Equal(t, now, *got.StaleAt)
}

func TestStale_MarkFutureStale_CompositeOrdering(t *testing.T) {
	// GIVEN: Amount reports for Nov 2024, Dec 2024, Jan 2025, Feb 2025
	// WHEN: Marking everything after Dec 2024
	// THEN: Only Jan and Feb 2025 are marked, and other kinds and schools are untouched

	f := newFixture(t)
	ctx := context.Background()
	nov := generic.NewPeriodKey("s1", 2024, 11)
	dec := generic.NewPeriodKey("s1", 2024, 12)
	jan := generic.NewPeriodKey("s1", 2025, 1)
	feb := generic.NewPeriodKey("s1", 2025, 2)
	for _, k := range []generic.PeriodKey{nov, dec, jan, feb} {
		saveReport(t, f.store, k, report.KindAmount)
	}
	saveReport(t, f.store, feb, report.KindRice)
	saveReport(t, f.store, generic.NewPeriodKey("s2", 2025, 3), report.KindAmount)

	marked, err := f.stale.MarkFutureStale(ctx, "s1", 2024, 12, "amount rates changed in 2024-12", report.KindAmount)
	require.NoError(t, err)
	assert.Equal(t, []generic.PeriodKey{jan, feb}, marked)

	assert.False(t, f.get(t, nov, report.KindAmount).IsStale)
	assert.False(t, f.get(t, dec, report.KindAmount).IsStale)
	assert.True(t, f.get(t, jan, report.KindAmount).IsStale)
	assert.True(t, f.get(t, feb, report.KindAmount).IsStale)
	assert.False(t, f.get(t, feb, report.KindRice).IsStale)
	assert.False(t, f.get(t, generic.NewPeriodKey("s2", 2025, 3), report.KindAmount).IsStale)
}

// =============================================================================
// GENERATOR
// =============================================================================

func TestGenerator_Generate(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()

	r, err := f.gen.Generate(ctx, april, report.KindRice)
	require.NoError(t, err)
	assert.Equal(t, report.ReportID(april, report.KindRice), r.ID)
	assert.Equal(t, now, r.GeneratedAt)
	assert.False(t, r.IsStale)

	// 50 primary * 0.1 + 20 middle * 0.15
	assert.Equal(t, "5.00", r.Data.Consumed.Primary.StringFixed(2))
	assert.Equal(t, "3.00", r.Data.Consumed.Middle.StringFixed(2))
	assert.Equal(t, "95.00", r.Data.Closing.Primary.StringFixed(2))
	assert.Equal(t, "47.00", r.Data.Closing.Middle.StringFixed(2))
	require.Len(t, r.Data.Rows, 2)
	assert.Equal(t, "3.50", r.Data.Rows[0].Consumed.StringFixed(2))
	assert.Equal(t, "146.50", r.Data.Rows[0].Balance.StringFixed(2))
	assert.Equal(t, "142.00", r.Data.Rows[1].Balance.StringFixed(2))

	_, err = f.gen.Generate(ctx, april, report.KindRice)
	var exists *generic.ReportAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, r.ID, exists.ExistingID)
}

func TestGenerator_AmountSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)

	r, err := f.gen.Generate(context.Background(), april, report.KindAmount)
	require.NoError(t, err)
	assert.Equal(t, generic.UnitCurrency, r.Data.Unit)
	assert.Equal(t, "250.00", r.Data.Consumed.Primary.StringFixed(2))
	assert.Equal(t, "250.00", r.Data.Closing.Primary.StringFixed(2))
	require.NotNil(t, r.Data.SaltBreakdown)
	assert.Equal(t, "50.00", r.Data.SaltBreakdown.Common.StringFixed(2))
}

func TestGenerator_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, april, report.KindRice)
	assert.ErrorIs(t, err, generic.ErrNoConsumptionData)

	_, err = f.gen.Generate(ctx, generic.NewPeriodKey("ghost", 2025, 4), report.KindRice)
	assert.ErrorIs(t, err, generic.ErrSchoolNotFound)

	_, err = f.gen.Generate(ctx, april, report.Kind("pdf"))
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.gen.Generate(ctx, generic.NewPeriodKey("s1", 2025, 0), report.KindRice)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}

// =============================================================================
// REGENERATION JOB
// =============================================================================

func TestJob_IdempotentRegeneration(t *testing.T) {
	// GIVEN: A rice report that went stale
	// WHEN: The job runs twice on unchanged inputs
	// THEN: One fresh row remains, identical after both runs

	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()
	_, err := f.gen.Generate(ctx, april, report.KindRice)
	require.NoError(t, err)
	_, err = f.stale.MarkStaleFor(ctx, april, report.KindRice, "daily event created")
	require.NoError(t, err)

	res := f.job.Run(ctx, april)
	assert.Equal(t, []report.Kind{report.KindRice}, res.Regenerated)
	assert.Equal(t, []report.Kind{report.KindAmount}, res.Skipped)
	assert.Empty(t, res.Failed)
	first := f.get(t, april, report.KindRice)
	require.NotNil(t, first)
	assert.False(t, first.IsStale)

	f.job.Run(ctx, april)
	second := f.get(t, april, report.KindRice)
	assert.Equal(t, first, second)

	all, err := f.store.ListReports(ctx, report.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "the job never creates a missing kind")
}

func TestJob_PicksUpChangedInputs(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()
	_, err := f.gen.Generate(ctx, april, report.KindRice)
	require.NoError(t, err)

	_, err = f.ledger.CreateEvent(ctx, meal.EventInput{SchoolID: "s1", Date: generic.NewTimePoint(2025, 4, 10), ServedPrimary: 50})
	require.NoError(t, err)
	f.job.Run(ctx, april)

	got := f.get(t, april, report.KindRice)
	require.NotNil(t, got)
	assert.Equal(t, "10.00", got.Data.Consumed.Primary.StringFixed(2))
	assert.Len(t, got.Data.Rows, 3)
}

func TestJob_NoReportIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)

	res := f.job.Run(context.Background(), april)
	assert.Empty(t, res.Regenerated)
	assert.ElementsMatch(t, report.Kinds, res.Skipped)
	assert.Nil(t, f.get(t, april, report.KindRice))
}

func TestJob_FailureLeavesReportStale(t *testing.T) {
	// GIVEN: A fresh rice report
	// WHEN: Every event of the period is removed and the job runs
	// THEN: The build fails, the error is swallowed and the report is stale

	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()
	_, err := f.gen.Generate(ctx, april, report.KindRice)
	require.NoError(t, err)

	events, err := f.store.ListEvents(ctx, april)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, f.store.DeleteEvent(ctx, e.ID))
	}

	res := f.job.Run(ctx, april)
	require.Contains(t, res.Failed, report.KindRice)
	assert.ErrorIs(t, res.Failed[report.KindRice], generic.ErrNoConsumptionData)
	assert.Empty(t, f.sleeps, "client errors are not retried")

	got := f.get(t, april, report.KindRice)
	require.NotNil(t, got)
	assert.True(t, got.IsStale)
	assert.Contains(t, got.StaleReason, "regeneration failed")

	assert.NoError(t, f.job.Handle(ctx, queue.NewRequest(april, "retry")), "failures are not redelivered")
}

func TestJob_MissingSchoolSucceeds(t *testing.T) {
	f := newFixture(t)
	key := generic.NewPeriodKey("gone", 2025, 4)

	res := f.job.Run(context.Background(), key)
	assert.True(t, res.SchoolMissing)
	assert.NoError(t, f.job.Handle(context.Background(), queue.NewRequest(key, "x")))
}

func TestJob_BusyPeriodAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()

	held, err := f.locker.Acquire(ctx, "regenerate:"+april.String(), time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	res := f.job.Run(ctx, april)
	assert.True(t, res.Busy)
	assert.ErrorIs(t, f.job.Handle(ctx, queue.NewRequest(april, "x")), report.ErrBusy)
	assert.NotEmpty(t, f.sleeps, "lock contention is retried before giving up")
}

// flakyReports fails the first n GetReport calls with a transient error.
type flakyReports struct {
	report.Store
	mu sync.Mutex
	n  int
}

func (s *flakyReports) GetReport(ctx context.Context, key generic.PeriodKey, kind report.Kind) (*report.Report, error) {
	s.mu.Lock()
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.Store.GetReport(ctx, key, kind)
}

func TestJob_RetriesTransientErrorsWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.seedApril(t)
	ctx := context.Background()
	_, err := f.gen.Generate(ctx, april, report.KindRice)
	require.NoError(t, err)

	f.job.Reports = &flakyReports{Store: f.store, n: 2}
	f.job.InitialBackoff = 10 * time.Millisecond

	res := f.job.Run(ctx, april)
	assert.Equal(t, []report.Kind{report.KindRice}, res.Regenerated)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
}
