/*
Package meal implements the school meal ledgers on top of the generic chain engine.

PURPOSE:
  Schools record, every serving day, how many primary and middle students
  were served. From those counts and the month's configured rates we derive
  how much rice was consumed and how much money was spent, and thread the
  resulting closing balances from month to month.

KEY TYPES:
  DailyEvent:   One serving day (counts + cached derived figures)
  RiceLedger:   One school-month of rice stock (kg)
  AmountLedger: One school-month of cooking-cost money
  School:       Owner of all the above

CACHED FIELDS:
  DailyEvent.RiceConsumed / RiceBalanceAfter / AmountConsumed are write-through
  caches for display. They are rewritten whenever the owning period is
  recomputed and are never read back as a source of truth.

SEE ALSO:
  - consumption.go: Pure aggregation of events + live rates
  - service.go: Mutations and change events
  - recompute.go: Chain fold over one span, cached event figures
  - repair.go: Duplicate merge, diagnostics, bulk sync
*/
package meal

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
)

// School owns every period, event and report keyed to it.
type School struct {
	ID        generic.SchoolID `json:"id" validate:"required"`
	Name      string           `json:"name" validate:"required,max=200"`
	CreatedAt time.Time        `json:"created_at"`
}

// =============================================================================
// DAILY EVENT
// =============================================================================

type DailyEvent struct {
	ID            string            `json:"id"`
	SchoolID      generic.SchoolID  `json:"school_id" validate:"required"`
	Date          generic.TimePoint `json:"date"`
	ServedPrimary int               `json:"served_primary" validate:"gte=0"`
	ServedMiddle  int               `json:"served_middle" validate:"gte=0"`
	Remarks       string            `json:"remarks,omitempty" validate:"max=500"`

	// Write-through caches, display only.
	RiceConsumed     decimal.Decimal `json:"rice_consumed"`
	RiceBalanceAfter decimal.Decimal `json:"rice_balance_after"`
	AmountConsumed   decimal.Decimal `json:"amount_consumed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e DailyEvent) Key() generic.PeriodKey {
	return generic.PeriodOf(e.SchoolID, e.Date)
}

// =============================================================================
// RICE LEDGER
// =============================================================================

// RiceLedger is the per-period rice record. Consumed and Closing are derived.
type RiceLedger struct {
	ID       string           `json:"id"`
	SchoolID generic.SchoolID `json:"school_id" validate:"required"`
	Year     int              `json:"year" validate:"gte=2000,lte=9999"`
	Month    int              `json:"month" validate:"min=1,max=12"`

	Opening   generic.SectionValues `json:"opening"`
	Lifted    generic.SectionValues `json:"lifted"`
	Arranged  generic.SectionValues `json:"arranged"`
	DailyRate generic.SectionValues `json:"daily_rate"` // kg per student served

	Consumed generic.SectionValues `json:"consumed"`
	Closing  generic.SectionValues `json:"closing"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l RiceLedger) Key() generic.PeriodKey {
	return generic.NewPeriodKey(l.SchoolID, l.Year, l.Month)
}

// Inflow is lifted + arranged.
func (l RiceLedger) Inflow() generic.SectionValues {
	return l.Lifted.Add(l.Arranged)
}

// Link views the stored row as a chain link.
func (l RiceLedger) Link() generic.Link {
	return generic.Link{
		Key:     l.Key(),
		Primary: generic.Balance{Opening: l.Opening.Primary, Inflow: l.Inflow().Primary, Consumed: l.Consumed.Primary, Closing: l.Closing.Primary},
		Middle:  generic.Balance{Opening: l.Opening.Middle, Inflow: l.Inflow().Middle, Consumed: l.Consumed.Middle, Closing: l.Closing.Middle},
	}
}

// Apply copies a computed link's derived figures onto the row.
func (l *RiceLedger) Apply(link generic.Link) {
	l.Opening = link.Opening()
	l.Consumed = link.Consumed()
	l.Closing = link.Closing()
}

// Field names used in change events.
const (
	FieldOpeningPrimary   = "opening_primary"
	FieldOpeningMiddle    = "opening_middle"
	FieldLiftedPrimary    = "lifted_primary"
	FieldLiftedMiddle     = "lifted_middle"
	FieldArrangedPrimary  = "arranged_primary"
	FieldArrangedMiddle   = "arranged_middle"
	FieldDailyRatePrimary = "daily_rate_primary"
	FieldDailyRateMiddle  = "daily_rate_middle"
)

// RiceTriggerFields are the fields whose change invalidates the period's rice report.
var RiceTriggerFields = []string{
	FieldOpeningPrimary, FieldOpeningMiddle,
	FieldLiftedPrimary, FieldLiftedMiddle,
	FieldArrangedPrimary, FieldArrangedMiddle,
	FieldDailyRatePrimary, FieldDailyRateMiddle,
}

// ManualFields returns the operator-entered fields by change-event name.
func (l RiceLedger) ManualFields() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		FieldOpeningPrimary:   l.Opening.Primary,
		FieldOpeningMiddle:    l.Opening.Middle,
		FieldLiftedPrimary:    l.Lifted.Primary,
		FieldLiftedMiddle:     l.Lifted.Middle,
		FieldArrangedPrimary:  l.Arranged.Primary,
		FieldArrangedMiddle:   l.Arranged.Middle,
		FieldDailyRatePrimary: l.DailyRate.Primary,
		FieldDailyRateMiddle:  l.DailyRate.Middle,
	}
}

// =============================================================================
// LEDGER FILTER
// =============================================================================

// LedgerFilter narrows ledger listings. Zero values mean "any".
type LedgerFilter struct {
	SchoolID generic.SchoolID
	Year     int
	Month    int
}

// Served is the per-period tally of daily events.
type Served struct {
	Primary int
	Middle  int
	Days    int
	Events  int
}

func (s Served) Decimal() generic.SectionValues {
	return generic.SectionValues{
		Primary: decimal.NewFromInt(int64(s.Primary)),
		Middle:  decimal.NewFromInt(int64(s.Middle)),
	}
}
