/*
balance.go - Per-section balance and the closing formula

PURPOSE:
  A period's balance for one section is four numbers: what was on hand at
  the start, what came in, what was consumed, and what is left. Only the
  last one is derived, and it is ALWAYS derived the same way:

    closing = round(opening + inflow - consumed, 2)

  "inflow" is lifted + arranged for rice, funds received for money.

SEE ALSO:
  - ledger.go: Threads Closing into the next period's Opening
*/
package generic

import "github.com/shopspring/decimal"

// Close applies the closing formula.
func Close(opening, inflow, consumed decimal.Decimal) decimal.Decimal {
	return Round2(opening.Add(inflow).Sub(consumed))
}

// Balance is one section's figures for one period.
type Balance struct {
	Opening  decimal.Decimal `json:"opening"`
	Inflow   decimal.Decimal `json:"inflow"`
	Consumed decimal.Decimal `json:"consumed"`
	Closing  decimal.Decimal `json:"closing"`
}

// NewBalance derives Closing from the other three figures.
func NewBalance(opening, inflow, consumed decimal.Decimal) Balance {
	return Balance{
		Opening:  Round2(opening),
		Inflow:   Round2(inflow),
		Consumed: Round2(consumed),
		Closing:  Close(opening, inflow, consumed),
	}
}

// Consistent reports whether Closing satisfies the closing formula.
func (b Balance) Consistent() bool {
	return b.Closing.Equal(Close(b.Opening, b.Inflow, b.Consumed))
}

// SectionValues holds one number per section.
type SectionValues struct {
	Primary decimal.Decimal `json:"primary"`
	Middle  decimal.Decimal `json:"middle"`
}

func (v SectionValues) Get(s Section) decimal.Decimal {
	if s == SectionMiddle {
		return v.Middle
	}
	return v.Primary
}

func (v SectionValues) Total() decimal.Decimal { return v.Primary.Add(v.Middle) }

func (v SectionValues) Add(o SectionValues) SectionValues {
	return SectionValues{Primary: v.Primary.Add(o.Primary), Middle: v.Middle.Add(o.Middle)}
}

func (v SectionValues) Round() SectionValues {
	return SectionValues{Primary: Round2(v.Primary), Middle: Round2(v.Middle)}
}

func (v SectionValues) Equal(o SectionValues) bool {
	return v.Primary.Equal(o.Primary) && v.Middle.Equal(o.Middle)
}
