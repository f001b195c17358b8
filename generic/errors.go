/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these so callers can branch with errors.Is/As.

ERROR CATEGORIES:
  1. Domain errors - Expected, recoverable conditions surfaced to callers
     (no consumption data yet, report already exists, configuration missing)
  2. Validation errors - Field-level input problems that block a write
  3. Store errors - Database-level failures

USAGE:
  if errors.Is(err, generic.ErrNoConsumptionData) {
      // cannot generate yet
  }
  var exists *generic.ReportAlreadyExistsError
  if errors.As(err, &exists) {
      // redirect to exists.ExistingID
  }

SEE ALSO:
  - meal/consumption.go: Returns NoConsumptionDataError, ConfigurationMissingError
  - report/generator.go: Returns ReportAlreadyExistsError
*/
package generic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoConsumptionData is returned when a period has zero daily events.
	ErrNoConsumptionData = errors.New("no consumption data for period")

	// ErrReportAlreadyExists is returned when generating a report that already exists.
	ErrReportAlreadyExists = errors.New("report already exists")

	// ErrConfigurationMissing is returned when rate configuration is absent.
	ErrConfigurationMissing = errors.New("rate configuration missing")

	// ErrValidation is returned when input fails field-level validation.
	ErrValidation = errors.New("validation failed")

	// ErrSchoolNotFound is returned when a referenced school doesn't exist.
	ErrSchoolNotFound = errors.New("school not found")

	// ErrEventNotFound is returned when a referenced daily event doesn't exist.
	ErrEventNotFound = errors.New("daily event not found")

	// ErrReportNotFound is returned when a referenced report doesn't exist.
	ErrReportNotFound = errors.New("report not found")

	// ErrDuplicateEvent is returned when a school already has an event on that date.
	ErrDuplicateEvent = errors.New("daily event already exists for date")

	// ErrConcurrentModification is returned when a lock or serialization conflict is detected.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidPeriod is returned when a period key is malformed.
	ErrInvalidPeriod = errors.New("invalid period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoConsumptionDataError carries the period that has no events.
type NoConsumptionDataError struct {
	Key PeriodKey
}

func (e *NoConsumptionDataError) Error() string {
	return fmt.Sprintf("no consumption data for %s", e.Key)
}

func (e *NoConsumptionDataError) Unwrap() error { return ErrNoConsumptionData }

// ReportAlreadyExistsError carries the existing report so callers can redirect to it.
type ReportAlreadyExistsError struct {
	ExistingID ReportID
	Key        PeriodKey
	Kind       string
}

func (e *ReportAlreadyExistsError) Error() string {
	return fmt.Sprintf("%s report already exists for %s (id: %s)", e.Kind, e.Key, e.ExistingID)
}

func (e *ReportAlreadyExistsError) Unwrap() error { return ErrReportAlreadyExists }

// ConfigurationMissingError carries the school so callers can route to setup.
type ConfigurationMissingError struct {
	SchoolID SchoolID
	Key      PeriodKey
	What     string
}

func (e *ConfigurationMissingError) Error() string {
	return fmt.Sprintf("%s configuration missing for school %s (%s)", e.What, e.SchoolID, e.Key.Label())
}

func (e *ConfigurationMissingError) Unwrap() error { return ErrConfigurationMissing }

// FieldErrors maps a field (or field group) to the rule it failed.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f, rule := range e {
		fields = append(fields, f+": "+rule)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

func (e FieldErrors) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Domain and validation errors never do.
func IsRetryable(err error) bool {
	if err == nil || IsClientError(err) || IsNotFound(err) {
		return false
	}
	return true
}

// IsClientError returns true if the error is an expected, recoverable condition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoConsumptionData) ||
		errors.Is(err, ErrReportAlreadyExists) ||
		errors.Is(err, ErrConfigurationMissing) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSchoolNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrReportNotFound)
}
