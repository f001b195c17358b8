package meal

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
)

// =============================================================================
// AMOUNT LEDGER - Cooking-cost money per school-month
// =============================================================================

// CategoryRates holds one figure per cost category. Used both for rates
// (currency per student per day) and for derived totals.
type CategoryRates struct {
	Pulses     decimal.Decimal `json:"pulses"`
	Vegetables decimal.Decimal `json:"vegetables"`
	Oil        decimal.Decimal `json:"oil"`
	Salt       decimal.Decimal `json:"salt"`
	Fuel       decimal.Decimal `json:"fuel"`
}

func (c CategoryRates) Total() decimal.Decimal {
	return c.Pulses.Add(c.Vegetables).Add(c.Oil).Add(c.Salt).Add(c.Fuel)
}

func (c CategoryRates) Equal(o CategoryRates) bool {
	return c.Pulses.Equal(o.Pulses) && c.Vegetables.Equal(o.Vegetables) && c.Oil.Equal(o.Oil) &&
		c.Salt.Equal(o.Salt) && c.Fuel.Equal(o.Fuel)
}

// Times multiplies every category by n and rounds to two places.
func (c CategoryRates) Times(n decimal.Decimal) CategoryRates {
	return CategoryRates{
		Pulses:     generic.Round2(c.Pulses.Mul(n)),
		Vegetables: generic.Round2(c.Vegetables.Mul(n)),
		Oil:        generic.Round2(c.Oil.Mul(n)),
		Salt:       generic.Round2(c.Salt.Mul(n)),
		Fuel:       generic.Round2(c.Fuel.Mul(n)),
	}
}

// SaltSplit divides salt spending across five salt kinds. As percentages it
// must sum to 100 (+/- 0.01).
type SaltSplit struct {
	Common  decimal.Decimal `json:"common"`
	Iodized decimal.Decimal `json:"iodized"`
	Rock    decimal.Decimal `json:"rock"`
	Black   decimal.Decimal `json:"black"`
	Other   decimal.Decimal `json:"other"`
}

func (s SaltSplit) Sum() decimal.Decimal {
	return s.Common.Add(s.Iodized).Add(s.Rock).Add(s.Black).Add(s.Other)
}

func (s SaltSplit) Equal(o SaltSplit) bool {
	return s.Common.Equal(o.Common) && s.Iodized.Equal(o.Iodized) && s.Rock.Equal(o.Rock) &&
		s.Black.Equal(o.Black) && s.Other.Equal(o.Other)
}

// Of applies the percentages to a salt total.
func (s SaltSplit) Of(total decimal.Decimal) SaltSplit {
	pct := func(p decimal.Decimal) decimal.Decimal {
		return generic.Round2(total.Mul(p).Div(decimal.NewFromInt(100)))
	}
	return SaltSplit{
		Common:  pct(s.Common),
		Iodized: pct(s.Iodized),
		Rock:    pct(s.Rock),
		Black:   pct(s.Black),
		Other:   pct(s.Other),
	}
}

type AmountLedger struct {
	ID       string           `json:"id"`
	SchoolID generic.SchoolID `json:"school_id" validate:"required"`
	Year     int              `json:"year" validate:"gte=2000,lte=9999"`
	Month    int              `json:"month" validate:"min=1,max=12"`

	Opening  generic.SectionValues `json:"opening"`
	Received generic.SectionValues `json:"received"`

	PrimaryRates CategoryRates `json:"primary_rates"`
	MiddleRates  CategoryRates `json:"middle_rates"`
	Salt         SaltSplit     `json:"salt_percentages"`

	// Derived by ApplyTotals before every write.
	PrimaryTotals CategoryRates         `json:"primary_totals"`
	MiddleTotals  CategoryRates         `json:"middle_totals"`
	SaltBreakdown SaltSplit             `json:"salt_breakdown"`
	Consumed      generic.SectionValues `json:"consumed"`
	Closing       generic.SectionValues `json:"closing"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l AmountLedger) Key() generic.PeriodKey {
	return generic.NewPeriodKey(l.SchoolID, l.Year, l.Month)
}

// ApplyTotals recomputes category totals, salt breakdown, consumption and
// closing from the served tally. It runs before the row is persisted because
// the totals are part of the stored row.
func (l *AmountLedger) ApplyTotals(served Served) {
	n := served.Decimal()
	l.PrimaryTotals = l.PrimaryRates.Times(n.Primary)
	l.MiddleTotals = l.MiddleRates.Times(n.Middle)
	l.SaltBreakdown = l.Salt.Of(l.PrimaryTotals.Salt.Add(l.MiddleTotals.Salt))
	l.Consumed = generic.SectionValues{
		Primary: generic.Round2(l.PrimaryTotals.Total()),
		Middle:  generic.Round2(l.MiddleTotals.Total()),
	}
	l.Closing = generic.SectionValues{
		Primary: generic.Close(l.Opening.Primary, l.Received.Primary, l.Consumed.Primary),
		Middle:  generic.Close(l.Opening.Middle, l.Received.Middle, l.Consumed.Middle),
	}
}

func (l AmountLedger) Link() generic.Link {
	return generic.Link{
		Key:     l.Key(),
		Primary: generic.Balance{Opening: l.Opening.Primary, Inflow: l.Received.Primary, Consumed: l.Consumed.Primary, Closing: l.Closing.Primary},
		Middle:  generic.Balance{Opening: l.Opening.Middle, Inflow: l.Received.Middle, Consumed: l.Consumed.Middle, Closing: l.Closing.Middle},
	}
}

// Apply copies a computed link's opening onto the row and re-derives totals.
func (l *AmountLedger) Apply(link generic.Link, served Served) {
	l.Opening = link.Opening()
	l.ApplyTotals(served)
}

// DailyCost is the money attributed to one serving day.
func (l AmountLedger) DailyCost(e DailyEvent) decimal.Decimal {
	p := l.PrimaryRates.Total().Mul(decimal.NewFromInt(int64(e.ServedPrimary)))
	m := l.MiddleRates.Total().Mul(decimal.NewFromInt(int64(e.ServedMiddle)))
	return generic.Round2(p.Add(m))
}

const (
	FieldReceivedPrimary = "received_primary"
	FieldReceivedMiddle  = "received_middle"
	FieldSaltCommon      = "salt_common"
	FieldSaltIodized     = "salt_iodized"
	FieldSaltRock        = "salt_rock"
	FieldSaltBlack       = "salt_black"
	FieldSaltOther       = "salt_other"
)

func rateFields(section string, r CategoryRates) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"rate_" + section + "_pulses":     r.Pulses,
		"rate_" + section + "_vegetables": r.Vegetables,
		"rate_" + section + "_oil":        r.Oil,
		"rate_" + section + "_salt":       r.Salt,
		"rate_" + section + "_fuel":       r.Fuel,
	}
}

// AmountRateFields are the fields whose change marks amount reports stale,
// for this period and every later one.
var AmountRateFields = func() []string {
	var fields []string
	for _, s := range generic.Sections {
		for name := range rateFields(string(s), CategoryRates{}) {
			fields = append(fields, name)
		}
	}
	return append(fields, FieldSaltCommon, FieldSaltIodized, FieldSaltRock, FieldSaltBlack, FieldSaltOther)
}()

func (l AmountLedger) ManualFields() map[string]decimal.Decimal {
	fields := map[string]decimal.Decimal{
		FieldOpeningPrimary:  l.Opening.Primary,
		FieldOpeningMiddle:   l.Opening.Middle,
		FieldReceivedPrimary: l.Received.Primary,
		FieldReceivedMiddle:  l.Received.Middle,
		FieldSaltCommon:      l.Salt.Common,
		FieldSaltIodized:     l.Salt.Iodized,
		FieldSaltRock:        l.Salt.Rock,
		FieldSaltBlack:       l.Salt.Black,
		FieldSaltOther:       l.Salt.Other,
	}
	for k, v := range rateFields(string(generic.SectionPrimary), l.PrimaryRates) {
		fields[k] = v
	}
	for k, v := range rateFields(string(generic.SectionMiddle), l.MiddleRates) {
		fields[k] = v
	}
	return fields
}
