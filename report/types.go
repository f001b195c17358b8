/*
Package report holds generated period reports and keeps them current.

PURPOSE:
  A report is a frozen snapshot of one period's ledger and events, built on
  an explicit "generate" action. After that it is never patched: when its
  inputs change it is first marked stale, then rebuilt as a whole by the
  regeneration job.

LIFECYCLE:
  Every report is in exactly one of two states:

    Fresh                  built from the current inputs
    Stale{Reason, Since}   an upstream write invalidated it

  Any qualifying upstream write moves it to Stale (StaleService). Only a
  successful regeneration moves it back to Fresh. A failed regeneration
  leaves it Stale.

  Persisted as the IsStale / StaleReason / StaleAt triple on the row; there
  is no other cache metadata.

IDENTITY:
  At most one report per (school, kind, year, month). The ID is derived from
  that tuple, so a rebuilt report keeps its ID.

SEE ALSO:
  - stale.go: Fresh -> Stale transitions, forward cascade
  - generator.go: Building snapshots
  - job.go: Stale -> Fresh via regeneration
  - monitor.go: Reports stale for too long
*/
package report

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
)

// Kind is the report type.
type Kind string

const (
	KindRice   Kind = "rice"
	KindAmount Kind = "amount"
)

// Kinds lists every report type, in regeneration order.
var Kinds = []Kind{KindRice, KindAmount}

func (k Kind) Valid() bool { return k == KindRice || k == KindAmount }

// Report is one generated snapshot.
type Report struct {
	ID       generic.ReportID `json:"id"`
	SchoolID generic.SchoolID `json:"school_id"`
	Kind     Kind             `json:"kind"`
	Year     int              `json:"year"`
	Month    int              `json:"month"`

	Data        Snapshot  `json:"data"`
	GeneratedAt time.Time `json:"generated_at"`

	IsStale     bool       `json:"is_stale"`
	StaleReason string     `json:"stale_reason,omitempty"`
	StaleAt     *time.Time `json:"stale_at,omitempty"`
}

func (r Report) Key() generic.PeriodKey {
	return generic.NewPeriodKey(r.SchoolID, r.Year, r.Month)
}

// ReportID is deterministic in (key, kind).
func ReportID(key generic.PeriodKey, kind Kind) generic.ReportID {
	return generic.ReportID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(key.String()+"#"+string(kind))).String())
}

// =============================================================================
// STATE
// =============================================================================

// State is Fresh or Stale.
type State interface {
	isState()
}

type Fresh struct{}

type Stale struct {
	Reason string
	Since  time.Time
}

func (Fresh) isState() {}
func (Stale) isState() {}

// State reads the lifecycle state off the persisted triple.
func (r Report) State() State {
	if !r.IsStale {
		return Fresh{}
	}
	s := Stale{Reason: r.StaleReason}
	if r.StaleAt != nil {
		s.Since = *r.StaleAt
	}
	return s
}

// WithState is the single transition function. It only touches the triple.
func (r Report) WithState(s State) Report {
	switch st := s.(type) {
	case Stale:
		since := st.Since
		r.IsStale = true
		r.StaleReason = st.Reason
		r.StaleAt = &since
	default:
		r.IsStale = false
		r.StaleReason = ""
		r.StaleAt = nil
	}
	return r
}

// StaleFor returns how long the report has been stale, or 0 when fresh.
func (r Report) StaleFor(now time.Time) time.Duration {
	st, ok := r.State().(Stale)
	if !ok || st.Since.IsZero() {
		return 0
	}
	return now.Sub(st.Since)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the report body consumed by exporters.
type Snapshot struct {
	Unit    generic.Unit      `json:"unit"`
	Summary meal.MonthSummary `json:"summary"`

	Opening  generic.SectionValues `json:"opening"`
	Inflow   generic.SectionValues `json:"inflow"`
	Consumed generic.SectionValues `json:"consumed"`
	Closing  generic.SectionValues `json:"closing"`

	Rows []Row `json:"rows"`

	// Amount reports only.
	PrimaryTotals *meal.CategoryRates `json:"primary_totals,omitempty"`
	MiddleTotals  *meal.CategoryRates `json:"middle_totals,omitempty"`
	SaltBreakdown *meal.SaltSplit     `json:"salt_breakdown,omitempty"`
}

// Row is one serving day with the balance left after it.
type Row struct {
	Date          generic.TimePoint `json:"date"`
	ServedPrimary int               `json:"served_primary"`
	ServedMiddle  int               `json:"served_middle"`
	Consumed      decimal.Decimal   `json:"consumed"`
	Balance       decimal.Decimal   `json:"balance"`
	Remarks       string            `json:"remarks,omitempty"`
}

// Filter narrows report listings. Zero values mean "any".
type Filter struct {
	SchoolID  generic.SchoolID
	Kind      Kind
	StaleOnly bool
}
