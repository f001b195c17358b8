package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/report"
)

func staleSince(t *testing.T, f *fixture, key generic.PeriodKey, kind report.Kind, since time.Time) {
	t.Helper()
	r := saveReport(t, f.store, key, kind).WithState(report.Stale{Reason: "daily event created", Since: since})
	require.NoError(t, f.store.SaveReport(context.Background(), r))
}

func TestListStale_ThresholdAndOrder(t *testing.T) {
	// GIVEN: Reports stale for 1h, 20m and 5m, plus a fresh one
	// WHEN: Listing reports stale for at least 15 minutes
	// THEN: The 1h and 20m reports come back, oldest first

	f := newFixture(t)
	staleSince(t, f, april, report.KindRice, now.Add(-20*time.Minute))
	staleSince(t, f, april, report.KindAmount, now.Add(-time.Hour))
	staleSince(t, f, april.Next(), report.KindRice, now.Add(-5*time.Minute))
	saveReport(t, f.store, april.Next(), report.KindAmount)

	found, err := report.ListStale(context.Background(), f.store, now, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, report.KindAmount, found[0].Kind)
	assert.Equal(t, time.Hour, found[0].StaleFor)
	assert.Equal(t, report.KindRice, found[1].Kind)
	assert.Equal(t, "daily event created", found[1].Reason)
}

func TestMonitor_RunNow_RequeuesEachPeriodOnce(t *testing.T) {
	f := newFixture(t)
	staleSince(t, f, april, report.KindRice, now.Add(-time.Hour))
	staleSince(t, f, april, report.KindAmount, now.Add(-time.Hour))

	var requeued []generic.PeriodKey
	m := report.NewStaleMonitor(f.store, nil)
	m.Clock = generic.FixedClock{At: now}
	m.Requeue = func(_ context.Context, key generic.PeriodKey) error {
		requeued = append(requeued, key)
		return nil
	}

	found := m.RunNow(context.Background())
	assert.Len(t, found, 2)
	assert.Equal(t, []generic.PeriodKey{april}, requeued)

	last, at := m.Last()
	assert.Len(t, last, 2)
	assert.Equal(t, now, at)
}

func TestMonitor_StartStop(t *testing.T) {
	f := newFixture(t)
	m := report.NewStaleMonitor(f.store, nil)
	m.CheckInterval = 10 * time.Millisecond

	m.Start()
	m.Start()
	assert.Eventually(t, func() bool {
		_, at := m.Last()
		return !at.IsZero()
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
