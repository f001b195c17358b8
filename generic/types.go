/*
Package generic provides the core balance-chain engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for threading
  a monthly opening/closing balance across consecutive periods. Whether the
  tracked quantity is kilograms of rice or money spent on cooking costs, the
  same fold derives closing balances and carries them forward.

KEY CONCEPTS IN THIS FILE (types.go):
  - Unit: What a ledger counts (kilograms of rice or currency)
  - Section: An administrative sub-population of a school (primary/middle)
  - Round2: The rounding rule applied at every ledger boundary

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point drift
  2. Determinism: Every derived value is a pure function of its inputs
  3. Type Safety: Strong typing for IDs prevents mixing school/report IDs

USAGE:
  closing := generic.Close(opening, inflow, consumed)

SEE ALSO:
  - period.go: PeriodKey and composite period ordering
  - ledger.go: The chain fold (Recompute / Fold)
  - errors.go: Domain error kinds
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// UNITS AND ROUNDING
// =============================================================================

type Unit string

const (
	UnitKilograms Unit = "kg"
	UnitCurrency  Unit = "currency"
)

// MustParseDecimal is for literals in code and tests. It panics on bad input;
// use decimal.NewFromString for anything a user typed.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Within reports whether |a-b| <= tolerance.
func Within(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Tolerance is the accepted drift between a stored and an expected balance.
var Tolerance = decimal.New(1, -2)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SchoolID string
type ReportID string

// =============================================================================
// SECTION - Grade band tracked with independent rates and balances
// =============================================================================

type Section string

const (
	SectionPrimary Section = "primary"
	SectionMiddle  Section = "middle"
)

// Sections lists every section in display order.
var Sections = []Section{SectionPrimary, SectionMiddle}
