package meal_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
)

func TestSummarize_UsesLiveRates(t *testing.T) {
	// GIVEN: April summarized at 0.1 kg per student
	// WHEN: The April rate is changed retroactively to 0.2
	// THEN: Summarizing April again reflects the new rate

	svc, s, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SaveRiceLedger(ctx, riceInput(2025, 4, "100", "0.1"))
	require.NoError(t, err)
	serve(t, svc, 2025, 4, 20, 30)

	cs := meal.NewConsumptionService(s)
	sum, err := cs.Summarize(ctx, "s1", 4, 2025)
	require.NoError(t, err)
	assert.Equal(t, "5.00", sum.TotalConsumed.StringFixed(2))
	assert.Equal(t, "95.00", sum.ClosingBalance.StringFixed(2))
	assert.Equal(t, "2.50", sum.AvgDailyConsumption.StringFixed(2))
	assert.Equal(t, 2, sum.ServingDays)
	assert.Equal(t, 50, sum.ServedPrimary)

	again, err := cs.Summarize(ctx, "s1", 4, 2025)
	require.NoError(t, err)
	assert.Equal(t, sum, again, "summaries are pure")

	_, err = svc.SaveRiceLedger(ctx, riceInput(2025, 4, "100", "0.2"))
	require.NoError(t, err)
	sum, err = cs.Summarize(ctx, "s1", 4, 2025)
	require.NoError(t, err)
	assert.Equal(t, "10.00", sum.TotalConsumed.StringFixed(2))
}

func TestSummarize_Errors(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	cs := meal.NewConsumptionService(s)

	_, err := cs.Summarize(ctx, "s1", 4, 2025)
	var noData *generic.NoConsumptionDataError
	require.ErrorAs(t, err, &noData)
	assert.Equal(t, generic.NewPeriodKey("s1", 2025, 4), noData.Key)

	serve(t, svc, 2025, 4, 10)
	_, err = cs.Summarize(ctx, "s1", 4, 2025)
	var missing *generic.ConfigurationMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, generic.SchoolID("s1"), missing.SchoolID)

	_, err = cs.SummarizeAmount(ctx, "s1", 4, 2025)
	assert.ErrorIs(t, err, generic.ErrConfigurationMissing)
}

func TestRunningBalance_ThreadsOneAccumulator(t *testing.T) {
	events := []meal.DailyEvent{
		{ServedPrimary: 10},
		{ServedPrimary: 5, ServedMiddle: 10},
	}
	rate := func(e meal.DailyEvent) decimal.Decimal {
		return decimal.NewFromInt(int64(e.ServedPrimary + e.ServedMiddle))
	}
	steps := meal.RunningBalance(events, d("100"), rate)
	require.Len(t, steps, 2)
	assert.Equal(t, "90.00", steps[0].Balance.StringFixed(2))
	assert.Equal(t, "75.00", steps[1].Balance.StringFixed(2))
	assert.Equal(t, "15.00", steps[1].Used.StringFixed(2))
}

func TestTally_CountsDistinctDates(t *testing.T) {
	day := generic.NewTimePoint(2025, 4, 1)
	served := meal.Tally([]meal.DailyEvent{
		{Date: day, ServedPrimary: 1},
		{Date: day, ServedMiddle: 2},
		{Date: day.AddDays(1), ServedPrimary: 3},
	})
	assert.Equal(t, meal.Served{Primary: 4, Middle: 2, Days: 2, Events: 3}, served)
}
