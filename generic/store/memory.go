// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================
//
// Implements meal.Store and report.Store. Ledger uniqueness per period is NOT
// enforced so tests can reproduce drift (duplicate rows); Get*Ledger returns
// the most recently updated row of a key, the same row the chain fold uses.
//
// WithTx serializes transactions and restores a snapshot on error. Writes made
// outside a transaction while one is open are lost if it rolls back.

type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data memData
}

type memData struct {
	schools map[generic.SchoolID]meal.School
	events  map[string]meal.DailyEvent
	rice    map[string]meal.RiceLedger
	amount  map[string]meal.AmountLedger
	reports map[generic.ReportID]report.Report
}

func newMemData() memData {
	return memData{
		schools: make(map[generic.SchoolID]meal.School),
		events:  make(map[string]meal.DailyEvent),
		rice:    make(map[string]meal.RiceLedger),
		amount:  make(map[string]meal.AmountLedger),
		reports: make(map[generic.ReportID]report.Report),
	}
}

func (d memData) clone() memData {
	c := newMemData()
	for k, v := range d.schools {
		c.schools[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.rice {
		c.rice[k] = v
	}
	for k, v := range d.amount {
		c.amount[k] = v
	}
	for k, v := range d.reports {
		c.reports[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn with rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(meal.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	if err := fn(memoryTx{m}); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// memoryTx is the view handed to WithTx callbacks. Nested WithTx joins the
// outer transaction.
type memoryTx struct {
	*Memory
}

func (t memoryTx) WithTx(_ context.Context, fn func(meal.Store) error) error {
	return fn(t)
}

// LockPeriod is a no-op: transactions are already serialized.
func (m *Memory) LockPeriod(context.Context, generic.PeriodKey) error { return nil }

// =============================================================================
// SCHOOLS
// =============================================================================

func (m *Memory) SaveSchool(_ context.Context, school meal.School) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.schools[school.ID] = school
	return nil
}

func (m *Memory) GetSchool(_ context.Context, id generic.SchoolID) (*meal.School, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.schools[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListSchools(context.Context) ([]meal.School, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]meal.School, 0, len(m.data.schools))
	for _, s := range m.data.schools {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchool removes a school and nothing else. Used to test orphaned jobs.
func (m *Memory) DeleteSchool(_ context.Context, id generic.SchoolID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.schools, id)
	return nil
}

// =============================================================================
// DAILY EVENTS
// =============================================================================

func (m *Memory) GetEvent(_ context.Context, id string) (*meal.DailyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) ListEvents(_ context.Context, key generic.PeriodKey) ([]meal.DailyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []meal.DailyEvent
	for _, e := range m.data.events {
		if e.SchoolID == key.SchoolID && key.Contains(e.Date) {
			out = append(out, e)
		}
	}
	meal.SortEvents(out)
	return out, nil
}

func (m *Memory) SaveEvent(_ context.Context, event meal.DailyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.data.events {
		if id != event.ID && e.SchoolID == event.SchoolID && e.Date.Equal(event.Date) {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateEvent, event.Date)
		}
	}
	m.data.events[event.ID] = event
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.events, id)
	return nil
}

// =============================================================================
// LEDGERS
// =============================================================================

func matches(f meal.LedgerFilter, k generic.PeriodKey) bool {
	return (f.SchoolID == "" || f.SchoolID == k.SchoolID) &&
		(f.Year == 0 || f.Year == k.Year) &&
		(f.Month == 0 || f.Month == k.Month)
}

func (m *Memory) GetRiceLedger(ctx context.Context, key generic.PeriodKey) (*meal.RiceLedger, error) {
	rows, _ := m.ListRiceLedgers(ctx, meal.LedgerFilter{SchoolID: key.SchoolID, Year: key.Year, Month: key.Month})
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (m *Memory) ListRiceLedgers(_ context.Context, filter meal.LedgerFilter) ([]meal.RiceLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []meal.RiceLedger
	for _, l := range m.data.rice {
		if matches(filter, l.Key()) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Key(), out[j].Key()
		if ki != kj {
			return lessKey(ki, kj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) SaveRiceLedger(_ context.Context, ledger meal.RiceLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.rice[ledger.ID] = ledger
	return nil
}

func (m *Memory) DeleteRiceLedger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.rice, id)
	return nil
}

func (m *Memory) GetAmountLedger(ctx context.Context, key generic.PeriodKey) (*meal.AmountLedger, error) {
	rows, _ := m.ListAmountLedgers(ctx, meal.LedgerFilter{SchoolID: key.SchoolID, Year: key.Year, Month: key.Month})
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (m *Memory) ListAmountLedgers(_ context.Context, filter meal.LedgerFilter) ([]meal.AmountLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []meal.AmountLedger
	for _, l := range m.data.amount {
		if matches(filter, l.Key()) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Key(), out[j].Key()
		if ki != kj {
			return lessKey(ki, kj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) SaveAmountLedger(_ context.Context, ledger meal.AmountLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.amount[ledger.ID] = ledger
	return nil
}

func (m *Memory) DeleteAmountLedger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.amount, id)
	return nil
}

func lessKey(a, b generic.PeriodKey) bool {
	if a.SchoolID != b.SchoolID {
		return a.SchoolID < b.SchoolID
	}
	return a.Ordinal() < b.Ordinal()
}

// =============================================================================
// REPORTS
// =============================================================================

func (m *Memory) GetReport(_ context.Context, key generic.PeriodKey, kind report.Kind) (*report.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.data.reports {
		if r.Kind == kind && r.Key() == key {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetReportByID(_ context.Context, id generic.ReportID) (*report.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data.reports[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListReports(_ context.Context, filter report.Filter) ([]report.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []report.Report
	for _, r := range m.data.reports {
		if filter.SchoolID != "" && r.SchoolID != filter.SchoolID {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.StaleOnly && !r.IsStale {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Key(), out[j].Key()
		if ki != kj {
			return lessKey(ki, kj)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, r report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.data.reports {
		if id != r.ID && existing.Kind == r.Kind && existing.Key() == r.Key() {
			return fmt.Errorf("%w: %s", generic.ErrReportAlreadyExists, r.Key())
		}
	}
	m.data.reports[r.ID] = r
	return nil
}

func (m *Memory) ReplaceReport(_ context.Context, r report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.data.reports {
		if existing.Kind == r.Kind && existing.Key() == r.Key() {
			delete(m.data.reports, id)
		}
	}
	m.data.reports[r.ID] = r
	return nil
}

func (m *Memory) DeleteReport(_ context.Context, id generic.ReportID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.reports, id)
	return nil
}

// Compile-time interface checks.
var (
	_ meal.Store   = (*Memory)(nil)
	_ report.Store = (*Memory)(nil)
)
