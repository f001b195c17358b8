package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/events"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/generic/store"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now = time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)
	mar = generic.NewPeriodKey("s1", 2025, 3)
	apr = generic.NewPeriodKey("s1", 2025, 4)
	may = generic.NewPeriodKey("s1", 2025, 5)
)

func newProcessor(t *testing.T) (*events.Processor, *store.Memory, *queue.Memory) {
	t.Helper()
	s := store.NewMemory()
	q := queue.NewMemory()
	stale := report.NewStaleService(s, generic.FixedClock{At: now}, nil)
	return events.NewProcessor(stale, q, nil), s, q
}

func seedReports(t *testing.T, s *store.Memory, keys ...generic.PeriodKey) {
	t.Helper()
	for _, k := range keys {
		for _, kind := range report.Kinds {
			r := report.Report{ID: report.ReportID(k, kind), SchoolID: k.SchoolID, Kind: kind, Year: k.Year, Month: k.Month}
			require.NoError(t, s.SaveReport(context.Background(), r))
		}
	}
}

func isStale(t *testing.T, s *store.Memory, k generic.PeriodKey, kind report.Kind) bool {
	t.Helper()
	r, err := s.GetReport(context.Background(), k, kind)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r.IsStale
}

func queued(q *queue.Memory) []generic.PeriodKey {
	var keys []generic.PeriodKey
	for _, r := range q.Pending() {
		keys = append(keys, r.Key())
	}
	return keys
}

// =============================================================================
// RULES
// =============================================================================

func TestProcessor_DailyEventMarksBothKindsAndQueues(t *testing.T) {
	p, s, q := newProcessor(t)
	seedReports(t, s, apr)

	err := p.Handle(context.Background(), generic.ChangeEvent{
		Entity: generic.EntityDailyEvent, Action: generic.ActionCreated, Key: apr,
	})
	require.NoError(t, err)

	assert.True(t, isStale(t, s, apr, report.KindRice))
	assert.True(t, isStale(t, s, apr, report.KindAmount))
	assert.Equal(t, []generic.PeriodKey{apr}, queued(q))
	assert.Equal(t, "daily event created", q.Pending()[0].Reason)
}

func TestProcessor_DailyEventWithoutReportStillQueues(t *testing.T) {
	p, _, q := newProcessor(t)
	require.NoError(t, p.Handle(context.Background(), generic.ChangeEvent{
		Entity: generic.EntityDailyEvent, Action: generic.ActionDeleted, Key: apr,
	}))
	assert.Equal(t, []generic.PeriodKey{apr}, queued(q))
}

func TestProcessor_RiceLedger_OnlyTriggerFields(t *testing.T) {
	p, s, q := newProcessor(t)
	seedReports(t, s, apr)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, generic.ChangeEvent{Entity: generic.EntityRiceLedger, Key: apr}))
	assert.False(t, isStale(t, s, apr, report.KindRice))
	assert.Empty(t, queued(q))

	require.NoError(t, p.Handle(ctx, generic.ChangeEvent{
		Entity: generic.EntityRiceLedger, Key: apr, Changed: []string{meal.FieldLiftedPrimary},
	}))
	assert.True(t, isStale(t, s, apr, report.KindRice))
	assert.False(t, isStale(t, s, apr, report.KindAmount), "rice edits leave amount reports alone")
	assert.Equal(t, []generic.PeriodKey{apr}, queued(q))
}

func TestProcessor_AmountRateChangeCascadesToLaterPeriods(t *testing.T) {
	// GIVEN: Amount reports for March, April and May
	// WHEN: April's pulses rate changes
	// THEN: April and May amount reports go stale, March stays fresh,
	//       and April and May are queued

	p, s, q := newProcessor(t)
	seedReports(t, s, mar, apr, may)

	require.NoError(t, p.Handle(context.Background(), generic.ChangeEvent{
		Entity: generic.EntityAmountLedger, Key: apr, Changed: []string{"rate_primary_pulses"},
	}))

	assert.False(t, isStale(t, s, mar, report.KindAmount))
	assert.True(t, isStale(t, s, apr, report.KindAmount))
	assert.True(t, isStale(t, s, may, report.KindAmount))
	assert.False(t, isStale(t, s, may, report.KindRice))
	assert.Equal(t, []generic.PeriodKey{apr, may}, queued(q))

	r, err := s.GetReport(context.Background(), may, report.KindAmount)
	require.NoError(t, err)
	assert.Equal(t, "amount rates changed in 2025-04", r.StaleReason)
}

func TestProcessor_AmountNonRateChangeStaysLocal(t *testing.T) {
	p, s, q := newProcessor(t)
	seedReports(t, s, apr, may)

	require.NoError(t, p.Handle(context.Background(), generic.ChangeEvent{
		Entity: generic.EntityAmountLedger, Key: apr, Changed: []string{meal.FieldReceivedPrimary},
	}))
	assert.True(t, isStale(t, s, apr, report.KindAmount))
	assert.False(t, isStale(t, s, may, report.KindAmount))
	assert.Equal(t, []generic.PeriodKey{apr}, queued(q))
}

func TestProcessor_AffectedPeriodsMarkedAndQueuedOnce(t *testing.T) {
	p, s, q := newProcessor(t)
	seedReports(t, s, apr, may)

	require.NoError(t, p.Handle(context.Background(), generic.ChangeEvent{
		Entity: generic.EntityDailyEvent, Action: generic.ActionUpdated, Key: apr,
		Affected: []generic.PeriodKey{may, may},
	}))
	assert.True(t, isStale(t, s, may, report.KindRice))
	assert.True(t, isStale(t, s, may, report.KindAmount))
	assert.Equal(t, []generic.PeriodKey{apr, may}, queued(q))
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, queue.Request) error { return errors.New("broker down") }

func TestProcessor_EnqueueFailureKeepsStaleFlag(t *testing.T) {
	p, s, _ := newProcessor(t)
	p.Queue = failingQueue{}
	seedReports(t, s, apr)

	err := p.Handle(context.Background(), generic.ChangeEvent{Entity: generic.EntityChain, Key: apr})
	assert.Error(t, err)
	assert.True(t, isStale(t, s, apr, report.KindRice))
}

// =============================================================================
// END TO END: write path -> bus -> processor -> queue -> job
// =============================================================================

func TestPipeline_EventWriteRegeneratesReport(t *testing.T) {
	// GIVEN: A generated rice report for April
	// WHEN: A serving day is added and the queue is drained
	// THEN: The report is fresh again and reflects the new day

	s := store.NewMemory()
	q := queue.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveSchool(ctx, meal.School{ID: "s1", Name: "North"}))

	stale := report.NewStaleService(s, nil, nil)
	bus := events.NewDirect(events.NewProcessor(stale, q, nil).Handle)
	ledger := meal.NewService(s, bus, nil)
	gen := report.NewGenerator(s, s, nil)
	job := report.NewRegenerateJob(s, s, gen, stale, nil, nil)

	_, err := ledger.SaveRiceLedger(ctx, meal.RiceLedgerInput{
		SchoolID: "s1", Year: 2025, Month: 4,
		Opening:   generic.SectionValues{Primary: generic.MustParseDecimal("100")},
		DailyRate: generic.SectionValues{Primary: generic.MustParseDecimal("0.1")},
	})
	require.NoError(t, err)
	_, err = ledger.CreateEvent(ctx, meal.EventInput{SchoolID: "s1", Date: generic.NewTimePoint(2025, 4, 1), ServedPrimary: 10})
	require.NoError(t, err)
	q.Drain(ctx, job.Handle)

	_, err = gen.Generate(ctx, apr, report.KindRice)
	require.NoError(t, err)

	_, err = ledger.CreateEvent(ctx, meal.EventInput{SchoolID: "s1", Date: generic.NewTimePoint(2025, 4, 2), ServedPrimary: 40})
	require.NoError(t, err)
	assert.True(t, isStale(t, s, apr, report.KindRice), "stale as soon as the write commits")

	q.Drain(ctx, job.Handle)
	r, err := s.GetReport(ctx, apr, report.KindRice)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.IsStale)
	assert.Equal(t, "5.00", r.Data.Consumed.Primary.StringFixed(2))
	assert.Equal(t, 0, q.Len())
}

// =============================================================================
// BUSES
// =============================================================================

func TestChannelBus_DeliversBufferedEventsBeforeStop(t *testing.T) {
	var got []generic.ChangeEvent
	bus := events.NewChannel(8, nil)
	bus.Subscribe(func(_ context.Context, ev generic.ChangeEvent) error {
		got = append(got, ev)
		return errors.New("handler errors are logged, not fatal")
	})
	bus.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), generic.ChangeEvent{Key: apr}))
	}
	bus.Stop()

	assert.Len(t, got, 3)
	assert.ErrorIs(t, bus.Publish(context.Background(), generic.ChangeEvent{}), events.ErrBusClosed)
}

func TestDirectBus_JoinsHandlerErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	bus := events.NewDirect(
		func(context.Context, generic.ChangeEvent) error { calls++; return boom },
		func(context.Context, generic.ChangeEvent) error { calls++; return nil },
	)
	err := bus.Publish(context.Background(), generic.ChangeEvent{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
