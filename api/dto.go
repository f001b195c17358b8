/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication that are not already
  domain inputs. Ledger bodies decode straight into meal.RiceLedgerInput and
  meal.AmountLedgerInput; the path supplies school, year and month.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateSchoolRequest is the request to register a school.
type CreateSchoolRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventRequest is one serving day as entered by staff.
type EventRequest struct {
	Date          string `json:"date"` // YYYY-MM-DD
	ServedPrimary int    `json:"served_primary"`
	ServedMiddle  int    `json:"served_middle"`
	Remarks       string `json:"remarks,omitempty"`
}

// GenerateReportRequest asks for the first report of a kind.
type GenerateReportRequest struct {
	Kind report.Kind `json:"kind"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChainResultDTO summarizes a recompute.
type ChainResultDTO struct {
	SchoolID string   `json:"school_id"`
	Periods  int      `json:"periods"`
	Changed  []string `json:"changed"`
}

func toChainResultDTO(r meal.ChainResult) ChainResultDTO {
	changed := make([]string, len(r.Changed))
	for i, k := range r.Changed {
		changed[i] = k.Label()
	}
	return ChainResultDTO{SchoolID: string(r.SchoolID), Periods: r.Periods, Changed: changed}
}

// RegenerateResponse reports what one human-triggered regeneration did.
type RegenerateResponse struct {
	Period        string            `json:"period"`
	SchoolMissing bool              `json:"school_missing,omitempty"`
	Busy          bool              `json:"busy,omitempty"`
	Regenerated   []report.Kind     `json:"regenerated"`
	Skipped       []report.Kind     `json:"skipped"`
	Failed        map[string]string `json:"failed,omitempty"`
}

func toRegenerateResponse(r report.Result) RegenerateResponse {
	resp := RegenerateResponse{
		Period:        r.Key.Label(),
		SchoolMissing: r.SchoolMissing,
		Busy:          r.Busy,
		Regenerated:   append([]report.Kind{}, r.Regenerated...),
		Skipped:       append([]report.Kind{}, r.Skipped...),
	}
	if len(r.Failed) > 0 {
		resp.Failed = make(map[string]string, len(r.Failed))
		for kind, err := range r.Failed {
			resp.Failed[string(kind)] = err.Error()
		}
	}
	return resp
}

// StaleReportDTO is one entry of the stale listing.
type StaleReportDTO struct {
	ID         generic.ReportID `json:"id"`
	SchoolID   string           `json:"school_id"`
	Period     string           `json:"period"`
	Kind       report.Kind      `json:"kind"`
	Reason     string           `json:"reason"`
	StaleForMS int64            `json:"stale_for_ms"`
}

// StaleReportsResponse is the body of GET /api/reports/stale.
type StaleReportsResponse struct {
	OlderThan   string           `json:"older_than"`
	Count       int              `json:"count"`
	Reports     []StaleReportDTO `json:"reports"`
	LastChecked *time.Time       `json:"last_checked,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is returned on any error.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`

	// Set for report conflicts so clients can open the existing report.
	ExistingID generic.ReportID `json:"existing_id,omitempty"`
	// Set when rate configuration is missing.
	Setup string `json:"setup,omitempty"`
}
