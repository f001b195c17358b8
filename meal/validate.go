package meal

import (
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
)

// =============================================================================
// VALIDATION - Field-level checks that block a write
// =============================================================================

var hundred = decimal.NewFromInt(100)

// NewValidator returns a validator with the ledger's struct-level rules registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateRiceLedger, RiceLedger{})
	v.RegisterStructValidation(validateAmountLedger, AmountLedger{})
	v.RegisterStructValidation(validateDailyEvent, DailyEvent{})
	return v
}

// validateSaltSplit checks the salt percentages of an amount ledger. A wrong
// sum is reported once on the whole group so the form can highlight it.
// SaltBreakdown shares the type but holds money, so it is never checked here.
func validateSaltSplit(sl validator.StructLevel, s SaltSplit) {
	for name, p := range map[string]decimal.Decimal{
		"Common": s.Common, "Iodized": s.Iodized, "Rock": s.Rock, "Black": s.Black, "Other": s.Other,
	} {
		if p.IsNegative() || p.GreaterThan(hundred) {
			sl.ReportError(p, name, name, "percentage", "")
		}
	}
	if !generic.Within(s.Sum(), hundred, generic.Tolerance) {
		sl.ReportError(s, "SaltSplit", "SaltSplit", "sum100", s.Sum().String())
	}
}

func validateRiceLedger(sl validator.StructLevel) {
	l := sl.Current().Interface().(RiceLedger)
	nonNegative(sl, "DailyRate", l.DailyRate)
	nonNegative(sl, "Lifted", l.Lifted)
	nonNegative(sl, "Arranged", l.Arranged)
}

func validateAmountLedger(sl validator.StructLevel) {
	l := sl.Current().Interface().(AmountLedger)
	nonNegative(sl, "Received", l.Received)
	validateSaltSplit(sl, l.Salt)
	for name, r := range map[string]CategoryRates{"PrimaryRates": l.PrimaryRates, "MiddleRates": l.MiddleRates} {
		for _, d := range []decimal.Decimal{r.Pulses, r.Vegetables, r.Oil, r.Salt, r.Fuel} {
			if d.IsNegative() {
				sl.ReportError(r, name, name, "gte0", "")
				break
			}
		}
	}
}

func validateDailyEvent(sl validator.StructLevel) {
	e := sl.Current().Interface().(DailyEvent)
	if e.Date.IsZero() {
		sl.ReportError(e.Date, "Date", "Date", "required", "")
	}
}

func nonNegative(sl validator.StructLevel, name string, v generic.SectionValues) {
	if v.Primary.IsNegative() || v.Middle.IsNegative() {
		sl.ReportError(v, name, name, "gte0", "")
	}
}

// ToFieldErrors converts validator output into generic.FieldErrors.
// Other errors are returned unchanged.
func ToFieldErrors(err error) error {
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	fields := generic.FieldErrors{}
	for _, ve := range validationErrors {
		fields[ve.Field()] = ve.Tag()
	}
	return fields
}

// Validate runs struct validation and returns generic.FieldErrors on failure.
func Validate(v *validator.Validate, s any) error {
	return ToFieldErrors(v.Struct(s))
}

func diffFields(before, after map[string]decimal.Decimal) []string {
	var changed []string
	for name, v := range after {
		old, ok := before[name]
		if !ok || !old.Equal(v) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
