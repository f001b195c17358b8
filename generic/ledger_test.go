package generic_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
)

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func pv(primary, middle string) generic.SectionValues {
	return generic.SectionValues{Primary: d(primary), Middle: d(middle)}
}

// =============================================================================
// CLOSING FORMULA
// =============================================================================

func TestClose_RoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, "95.00", generic.Close(d("100"), d("0"), d("5")).StringFixed(2))
	assert.Equal(t, "0.01", generic.Close(d("0.005"), d("0"), d("0")).StringFixed(2))
	assert.Equal(t, "-0.01", generic.Close(d("0"), d("0"), d("0.005")).StringFixed(2))
}

func TestMustParseDecimal_PanicsOnBadInput(t *testing.T) {
	// GIVEN: A literal that is not a number
	// WHEN: It is parsed as a decimal
	// THEN: The parse panics instead of reading as zero

	assert.Equal(t, "12.50", generic.MustParseDecimal("12.5").StringFixed(2))
	assert.Panics(t, func() { generic.MustParseDecimal("12,5") })
	assert.Panics(t, func() { generic.MustParseDecimal("") })
}

func TestBalance_Consistent(t *testing.T) {
	b := generic.NewBalance(d("100"), d("10"), d("5"))
	assert.True(t, b.Consistent())
	assert.Equal(t, "105.00", b.Closing.StringFixed(2))

	b.Closing = d("104")
	assert.False(t, b.Consistent())
}

// =============================================================================
// CHAIN FOLD
// =============================================================================

func TestFold_ThreadsClosingIntoNextOpening(t *testing.T) {
	// GIVEN: April opens at 100 and consumes 5, May consumes 4
	// WHEN: Folding both periods
	// THEN: April closes at 95, May opens at 95 and closes at 91

	april := generic.NewPeriodKey("s1", 2025, 4)
	may := generic.NewPeriodKey("s1", 2025, 5)
	links := generic.Fold([]generic.LinkInput{
		{Key: april, Opening: pv("100", "0"), Consumed: pv("5", "0")},
		{Key: may, Opening: pv("999", "999"), Consumed: pv("4", "0")},
	})

	require.Len(t, links, 2)
	assert.Equal(t, "95.00", links[0].Primary.Closing.StringFixed(2))
	assert.Equal(t, "95.00", links[1].Primary.Opening.StringFixed(2), "stored May opening is replaced by April closing")
	assert.Equal(t, "0.00", links[1].Middle.Opening.StringFixed(2))
	assert.Equal(t, "91.00", links[1].Primary.Closing.StringFixed(2))
	assert.Empty(t, generic.VerifyChain(links))
}

func TestFold_SeedKeepsStoredOpening(t *testing.T) {
	links := generic.Fold([]generic.LinkInput{
		{Key: generic.NewPeriodKey("s1", 2025, 6), Opening: pv("42.5", "7"), Inflow: pv("10", "1")},
	})
	require.Len(t, links, 1)
	assert.True(t, links[0].Opening().Equal(pv("42.5", "7")))
	assert.True(t, links[0].Closing().Equal(pv("52.5", "8")))
}

func TestFold_IsIdempotent(t *testing.T) {
	inputs := []generic.LinkInput{
		{Key: generic.NewPeriodKey("s1", 2024, 12), Opening: pv("20", "10"), Inflow: pv("5", "5"), Consumed: pv("3.333", "1")},
		{Key: generic.NewPeriodKey("s1", 2025, 1), Inflow: pv("0", "2"), Consumed: pv("2", "2")},
	}
	first := generic.Fold(inputs)

	// Feed the result back as stored rows: nothing moves.
	again := make([]generic.LinkInput, len(first))
	for i, l := range first {
		again[i] = generic.LinkInput{Key: l.Key, Opening: l.Opening(), Inflow: inputs[i].Inflow, Consumed: l.Consumed()}
	}
	second := generic.Fold(again)
	for i := range first {
		assert.True(t, first[i].Closing().Equal(second[i].Closing()), "period %s", first[i].Key)
		assert.True(t, first[i].Opening().Equal(second[i].Opening()), "period %s", first[i].Key)
	}
}

func TestVerifyChain_ReportsBreakBeyondTolerance(t *testing.T) {
	april := generic.Recompute(nil, generic.LinkInput{Key: generic.NewPeriodKey("s1", 2025, 4), Opening: pv("100", "0"), Consumed: pv("5", "0")})

	// Off by exactly the tolerance: accepted.
	mayOK := generic.Recompute(nil, generic.LinkInput{Key: april.Key.Next(), Opening: pv("95.01", "0")})
	assert.Empty(t, generic.VerifyChain([]generic.Link{april, mayOK}))

	// Off by more: reported.
	mayBad := generic.Recompute(nil, generic.LinkInput{Key: april.Key.Next(), Opening: pv("96", "0")})
	breaks := generic.VerifyChain([]generic.Link{april, mayBad})
	require.Len(t, breaks, 1)
	assert.Equal(t, generic.SectionPrimary, breaks[0].Section)
	assert.Equal(t, "95.00", breaks[0].ExpectedOpening.Primary.StringFixed(2))
}

// =============================================================================
// PERIOD KEYS
// =============================================================================

func TestPeriodKey_CompositeOrdering(t *testing.T) {
	// GIVEN: December 2024 and January 2025
	// THEN: January 2025 is after December 2024 even though 1 < 12

	jan := generic.NewPeriodKey("s1", 2025, 1)
	assert.True(t, jan.After(2024, 12))
	assert.False(t, jan.After(2025, 1))
	assert.False(t, jan.After(2025, 2))

	dec := generic.NewPeriodKey("s1", 2024, 12)
	assert.Equal(t, jan, dec.Next())
	assert.Equal(t, dec, jan.Previous())
	assert.True(t, dec.Before(jan))
}

func TestPeriodKey_Validate(t *testing.T) {
	assert.NoError(t, generic.NewPeriodKey("s1", 2025, 12).Validate())

	for _, k := range []generic.PeriodKey{
		generic.NewPeriodKey("", 2025, 1),
		generic.NewPeriodKey("s1", 2025, 0),
		generic.NewPeriodKey("s1", 2025, 13),
		generic.NewPeriodKey("s1", 0, 5),
	} {
		assert.ErrorIs(t, k.Validate(), generic.ErrInvalidPeriod, "key %+v", k)
	}
}

func TestPeriodKey_ContainsAndBounds(t *testing.T) {
	feb := generic.NewPeriodKey("s1", 2024, 2)
	assert.Equal(t, "2024-02-29", feb.End().String())
	assert.True(t, feb.Contains(generic.NewTimePoint(2024, 2, 29)))
	assert.False(t, feb.Contains(generic.NewTimePoint(2024, 3, 1)))
	assert.Equal(t, "2024-02", feb.Label())
}

func TestSortKeys(t *testing.T) {
	keys := []generic.PeriodKey{
		generic.NewPeriodKey("b", 2024, 1),
		generic.NewPeriodKey("a", 2025, 1),
		generic.NewPeriodKey("a", 2024, 12),
	}
	generic.SortKeys(keys)
	assert.Equal(t, []generic.PeriodKey{
		generic.NewPeriodKey("a", 2024, 12),
		generic.NewPeriodKey("a", 2025, 1),
		generic.NewPeriodKey("b", 2024, 1),
	}, keys)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrors_Classification(t *testing.T) {
	noData := &generic.NoConsumptionDataError{Key: generic.NewPeriodKey("s1", 2025, 4)}
	assert.ErrorIs(t, noData, generic.ErrNoConsumptionData)
	assert.True(t, generic.IsClientError(noData))
	assert.False(t, generic.IsRetryable(noData))

	fields := generic.FieldErrors{"SaltSplit": "sum100"}
	assert.ErrorIs(t, fields, generic.ErrValidation)
	assert.Contains(t, fields.Error(), "SaltSplit: sum100")

	assert.False(t, generic.IsRetryable(generic.ErrSchoolNotFound))
	assert.True(t, generic.IsRetryable(errors.New("connection reset")))
	assert.False(t, generic.IsRetryable(nil))
}

func TestChangeEvent_HasChanged(t *testing.T) {
	ev := generic.ChangeEvent{Changed: []string{"lifted_primary", "remarks"}}
	assert.True(t, ev.HasChanged("opening_primary", "lifted_primary"))
	assert.False(t, ev.HasChanged("daily_rate_primary"))
}
