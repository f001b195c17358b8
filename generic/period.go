package generic

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// PERIOD KEY - One school month
// =============================================================================

// PeriodKey identifies one month's ledger state for one school.
// At most one ledger row of each kind and one report of each kind exist per key.
type PeriodKey struct {
	SchoolID SchoolID `json:"school_id"`
	Year     int      `json:"year"`
	Month    int      `json:"month"`
}

func NewPeriodKey(schoolID SchoolID, year, month int) PeriodKey {
	return PeriodKey{SchoolID: schoolID, Year: year, Month: month}
}

// Ordinal maps (year, month) onto a single increasing integer.
// Periods are compared on this composite value, never on year and month independently.
func (k PeriodKey) Ordinal() int {
	return Ordinal(k.Year, k.Month)
}

func Ordinal(year, month int) int {
	return year*12 + (month - 1)
}

// FromOrdinal is the inverse of Ordinal.
func FromOrdinal(schoolID SchoolID, ordinal int) PeriodKey {
	return PeriodKey{SchoolID: schoolID, Year: ordinal / 12, Month: ordinal%12 + 1}
}

// After reports whether k is a strictly later period than (year, month).
func (k PeriodKey) After(year, month int) bool {
	return k.Ordinal() > Ordinal(year, month)
}

func (k PeriodKey) Before(other PeriodKey) bool {
	return k.Ordinal() < other.Ordinal()
}

func (k PeriodKey) Next() PeriodKey     { return FromOrdinal(k.SchoolID, k.Ordinal()+1) }
func (k PeriodKey) Previous() PeriodKey { return FromOrdinal(k.SchoolID, k.Ordinal()-1) }

// Start returns the first day of the period.
func (k PeriodKey) Start() TimePoint {
	return StartOfMonth(k.Year, time.Month(k.Month))
}

// End returns the last day of the period.
func (k PeriodKey) End() TimePoint {
	return EndOfMonth(k.Year, time.Month(k.Month))
}

// Contains returns true if the date falls within the period.
func (k PeriodKey) Contains(t TimePoint) bool {
	return t.Year() == k.Year && int(t.Month()) == k.Month
}

// Validate checks the month range.
func (k PeriodKey) Validate() error {
	if k.SchoolID == "" {
		return fmt.Errorf("%w: school id is required", ErrInvalidPeriod)
	}
	if k.Month < 1 || k.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", ErrInvalidPeriod, k.Month)
	}
	if k.Year < 1 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidPeriod, k.Year)
	}
	return nil
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("%s/%04d-%02d", k.SchoolID, k.Year, k.Month)
}

// Label is the human form used in stale reasons, e.g. "2025-04".
func (k PeriodKey) Label() string {
	return fmt.Sprintf("%04d-%02d", k.Year, k.Month)
}

// PeriodOf returns the key of the month containing t.
func PeriodOf(schoolID SchoolID, t TimePoint) PeriodKey {
	return PeriodKey{SchoolID: schoolID, Year: t.Year(), Month: int(t.Month())}
}

// SortKeys orders keys ascending by school, then by composite period.
func SortKeys(keys []PeriodKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SchoolID != keys[j].SchoolID {
			return keys[i].SchoolID < keys[j].SchoolID
		}
		return keys[i].Ordinal() < keys[j].Ordinal()
	})
}
