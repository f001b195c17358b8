/*
handlers.go - HTTP API handlers for the meal ledger

PURPOSE:
  Exposes ledger mutations, summaries and report actions via REST. Handles
  HTTP request/response and JSON, and delegates to meal and report.

ENDPOINTS:
  Health:
    GET    /healthz

  Schools:
    GET    /api/schools                               List schools
    POST   /api/schools                               Register school
    GET    /api/schools/{id}/summary?year=&month=&kind=  Month summary
    POST   /api/schools/{id}/recalc                   Rebuild whole chain

  Daily events:
    GET    /api/schools/{id}/periods/{year}/{month}/events
    POST   /api/schools/{id}/events
    PUT    /api/schools/{id}/events/{eventID}
    DELETE /api/schools/{id}/events/{eventID}

  Ledgers:
    PUT    /api/schools/{id}/periods/{year}/{month}/rice
    PUT    /api/schools/{id}/periods/{year}/{month}/amount

  Reports:
    POST   /api/schools/{id}/periods/{year}/{month}/reports       Generate
    GET    /api/schools/{id}/periods/{year}/{month}/reports/{kind}
    POST   /api/schools/{id}/periods/{year}/{month}/regenerate    Retry now
    GET    /api/reports/{reportID}
    GET    /api/reports/stale?older_than=15m

ERROR HANDLING:
  Domain errors map to HTTP status in writeDomainError:
  - 400: Malformed input, invalid period
  - 404: School, event or report not found; missing rate configuration
         (with a setup hint)
  - 409: Report already exists (with existing_id), duplicate event date,
         concurrent modification
  - 422: Field validation, no consumption data
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Callers pass the school ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *meal.Service
	Reports   report.Store
	Generator *report.Generator
	Job       *report.RegenerateJob
	Monitor   *report.StaleMonitor
	Logger    logrus.FieldLogger

	// Health checks the backing store. Nil means always healthy.
	Health func(ctx context.Context) error
}

// NewHandler wires handlers to the ledger service and the regeneration job.
func NewHandler(ledger *meal.Service, job *report.RegenerateJob, monitor *report.StaleMonitor, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:    ledger,
		Reports:   job.Reports,
		Generator: job.Generator,
		Job:       job,
		Monitor:   monitor,
		Logger:    logger.WithField("component", "api"),
	}
}

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// SCHOOL HANDLERS
// =============================================================================

func (h *Handler) ListSchools(w http.ResponseWriter, r *http.Request) {
	schools, err := h.Ledger.Store.ListSchools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list schools", err)
		return
	}
	if schools == nil {
		schools = []meal.School{}
	}
	writeJSON(w, http.StatusOK, schools)
}

func (h *Handler) CreateSchool(w http.ResponseWriter, r *http.Request) {
	var req CreateSchoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	school, err := h.Ledger.CreateSchool(r.Context(), generic.SchoolID(req.ID), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, school)
}

// GetSummary returns the consumption summary of one month.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	schoolID := generic.SchoolID(chi.URLParam(r, "id"))
	year, err1 := strconv.Atoi(r.URL.Query().Get("year"))
	month, err2 := strconv.Atoi(r.URL.Query().Get("month"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "year and month query parameters are required", nil)
		return
	}
	consumption := meal.NewConsumptionService(h.Ledger.Store)

	var summary meal.MonthSummary
	switch report.Kind(r.URL.Query().Get("kind")) {
	case report.KindAmount:
		summary, err1 = consumption.SummarizeAmount(r.Context(), schoolID, month, year)
	case report.KindRice, "":
		summary, err1 = consumption.Summarize(r.Context(), schoolID, month, year)
	default:
		writeError(w, http.StatusBadRequest, "kind must be rice or amount", nil)
		return
	}
	if err1 != nil {
		writeDomainError(w, err1)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RecalcChain rebuilds every period of a school.
func (h *Handler) RecalcChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.Ledger.RecalcChain(r.Context(), generic.SchoolID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChainResultDTO(result))
}

// =============================================================================
// DAILY EVENT HANDLERS
// =============================================================================

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	events, err := h.Ledger.Store.ListEvents(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	if events == nil {
		events = []meal.DailyEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	in, ok := eventInput(w, r)
	if !ok {
		return
	}
	event, err := h.Ledger.CreateEvent(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	in, ok := eventInput(w, r)
	if !ok {
		return
	}
	id, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	event, err := h.Ledger.UpdateEvent(r.Context(), id, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteEvent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedEvent resolves {eventID} and checks it belongs to {id}.
func (h *Handler) ownedEvent(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "eventID")
	event, err := h.Ledger.Store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load event", err)
		return "", false
	}
	if event == nil || string(event.SchoolID) != chi.URLParam(r, "id") {
		writeDomainError(w, fmt.Errorf("%w: %s", generic.ErrEventNotFound, id))
		return "", false
	}
	return id, true
}

func eventInput(w http.ResponseWriter, r *http.Request) (meal.EventInput, bool) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return meal.EventInput{}, false
	}
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", err)
		return meal.EventInput{}, false
	}
	return meal.EventInput{
		SchoolID:      generic.SchoolID(chi.URLParam(r, "id")),
		Date:          date,
		ServedPrimary: req.ServedPrimary,
		ServedMiddle:  req.ServedMiddle,
		Remarks:       req.Remarks,
	}, true
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) SaveRiceLedger(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	var in meal.RiceLedgerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in.SchoolID, in.Year, in.Month = key.SchoolID, key.Year, key.Month
	ledger, err := h.Ledger.SaveRiceLedger(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handler) SaveAmountLedger(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	var in meal.AmountLedgerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in.SchoolID, in.Year, in.Month = key.SchoolID, key.Year, key.Month
	ledger, err := h.Ledger.SaveAmountLedger(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GenerateReport creates the first report of a kind for a period.
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	var req GenerateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rep, err := h.Generator.Generate(r.Context(), key, req.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (h *Handler) GetPeriodReport(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	kind := report.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be rice or amount", nil)
		return
	}
	rep, err := h.Reports.GetReport(r.Context(), key, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load report", err)
		return
	}
	if rep == nil {
		writeDomainError(w, fmt.Errorf("%w: %s %s", generic.ErrReportNotFound, kind, key))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := generic.ReportID(chi.URLParam(r, "reportID"))
	rep, err := h.Reports.GetReportByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load report", err)
		return
	}
	if rep == nil {
		writeDomainError(w, fmt.Errorf("%w: %s", generic.ErrReportNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Regenerate runs the regeneration job for one period synchronously.
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	key, ok := periodKey(w, r)
	if !ok {
		return
	}
	result := h.Job.Run(r.Context(), key)
	status := http.StatusOK
	if result.Busy {
		status = http.StatusConflict
	}
	writeJSON(w, status, toRegenerateResponse(result))
}

// ListStaleReports lists reports stale for at least older_than (default:
// the monitor threshold).
func (h *Handler) ListStaleReports(w http.ResponseWriter, r *http.Request) {
	olderThan := 15 * time.Minute
	if h.Monitor != nil {
		olderThan = h.Monitor.Threshold
	}
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "older_than must be a duration like 15m", err)
			return
		}
		olderThan = d
	}

	entries, err := report.ListStale(r.Context(), h.Reports, time.Now().UTC(), olderThan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list stale reports", err)
		return
	}
	resp := StaleReportsResponse{OlderThan: olderThan.String(), Count: len(entries), Reports: []StaleReportDTO{}}
	for _, e := range entries {
		resp.Reports = append(resp.Reports, StaleReportDTO{
			ID:         e.ID,
			SchoolID:   string(e.Key.SchoolID),
			Period:     e.Key.Label(),
			Kind:       e.Kind,
			Reason:     e.Reason,
			StaleForMS: e.StaleFor.Milliseconds(),
		})
	}
	if h.Monitor != nil {
		if _, at := h.Monitor.Last(); !at.IsZero() {
			resp.LastChecked = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// periodKey parses {id}/{year}/{month} from the path.
func periodKey(w http.ResponseWriter, r *http.Request) (generic.PeriodKey, bool) {
	year, err1 := strconv.Atoi(chi.URLParam(r, "year"))
	month, err2 := strconv.Atoi(chi.URLParam(r, "month"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "year and month must be numbers", nil)
		return generic.PeriodKey{}, false
	}
	key := generic.NewPeriodKey(generic.SchoolID(chi.URLParam(r, "id")), year, month)
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return generic.PeriodKey{}, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		fields  generic.FieldErrors
		exists  *generic.ReportAlreadyExistsError
		missing *generic.ConfigurationMissingError
	)
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Validation failed", Details: err.Error(), Fields: fields})
	case errors.As(err, &exists):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Report already exists", Details: err.Error(), ExistingID: exists.ExistingID})
	case errors.As(err, &missing):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "Rate configuration missing",
			Details: err.Error(),
			Setup:   fmt.Sprintf("/api/schools/%s/periods/%d/%d/%s", missing.SchoolID, missing.Key.Year, missing.Key.Month, setupPath(missing.What)),
		})
	case errors.Is(err, generic.ErrNoConsumptionData), errors.Is(err, generic.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "Cannot process request", err)
	case errors.Is(err, generic.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, "Invalid period", err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, generic.ErrDuplicateEvent), errors.Is(err, generic.ErrReportAlreadyExists),
		errors.Is(err, generic.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func setupPath(what string) string {
	if what == "cooking cost rate" {
		return "amount"
	}
	return "rice"
}
