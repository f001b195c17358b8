package meal

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
)

// =============================================================================
// REPAIR - Batch operations for recovering from drift
// =============================================================================
//
// These are operator tools (see cmd/ledgerctl). None of them run on the
// request path.

// ErrNoLedgers is returned by chain rebuilds when there is nothing to rebuild.
var ErrNoLedgers = errors.New("no ledgers found")

type Repair struct {
	Service *Service
	Logger  logrus.FieldLogger
}

func NewRepair(svc *Service) *Repair {
	return &Repair{
		Service: svc,
		Logger:  svc.Logger.WithField("component", "meal.repair"),
	}
}

// DuplicateReport lists the rows FixDuplicates removed and the chains it
// rebuilt afterwards.
type DuplicateReport struct {
	Keys          []generic.PeriodKey `json:"keys"`
	RiceRemoved   []string            `json:"rice_removed"`
	AmountRemoved []string            `json:"amount_removed"`
	Chains        []ChainResult       `json:"chains,omitempty"`
}

func (r DuplicateReport) Removed() int { return len(r.RiceRemoved) + len(r.AmountRemoved) }

// FixDuplicates keeps the most recently updated ledger row of every key and
// deletes the others. Both ledger kinds are merged in one transaction, and
// each school's chain is refolded from its earliest merged period before
// commit. One chain change is published per school: the survivor may carry
// figures other than the row folded before, so reports of every merged
// period are stale even when the fold writes nothing.
func (r *Repair) FixDuplicates(ctx context.Context) (DuplicateReport, error) {
	var report DuplicateReport
	err := r.Service.Store.WithTx(ctx, func(tx Store) error {
		report = DuplicateReport{}
		rice, err := tx.ListRiceLedgers(ctx, LedgerFilter{})
		if err != nil {
			return err
		}
		amount, err := tx.ListAmountLedgers(ctx, LedgerFilter{})
		if err != nil {
			return err
		}
		var staleRice []RiceLedger
		keep := map[string]bool{}
		for _, row := range LatestRice(rice) {
			keep[row.ID] = true
		}
		for _, row := range rice {
			if !keep[row.ID] {
				staleRice = append(staleRice, row)
				report.addKey(row.Key())
			}
		}
		var staleAmount []AmountLedger
		keep = map[string]bool{}
		for _, row := range LatestAmount(amount) {
			keep[row.ID] = true
		}
		for _, row := range amount {
			if !keep[row.ID] {
				staleAmount = append(staleAmount, row)
				report.addKey(row.Key())
			}
		}

		// Ascending, like every other writer.
		generic.SortKeys(report.Keys)
		for _, k := range report.Keys {
			if err := tx.LockPeriod(ctx, k); err != nil {
				return err
			}
		}
		for _, row := range staleRice {
			if err := tx.DeleteRiceLedger(ctx, row.ID); err != nil {
				return err
			}
			report.RiceRemoved = append(report.RiceRemoved, row.ID)
		}
		for _, row := range staleAmount {
			if err := tx.DeleteAmountLedger(ctx, row.ID); err != nil {
				return err
			}
			report.AmountRemoved = append(report.AmountRemoved, row.ID)
		}

		for _, first := range earliestPerSchool(report.Keys) {
			res, err := r.Service.recompute(ctx, tx, first.SchoolID, fromPeriod(first), first)
			if err != nil {
				return fmt.Errorf("refold %s after merge: %w", first, err)
			}
			report.Chains = append(report.Chains, res)
		}
		return nil
	})
	if err != nil {
		return DuplicateReport{}, err
	}
	now := r.Service.now()
	for _, res := range report.Chains {
		merged := keysOf(report.Keys, res.SchoolID)
		affected := append([]generic.PeriodKey(nil), merged[1:]...)
		for _, k := range res.Affected(merged[0]) {
			if !containsKey(affected, k) {
				affected = append(affected, k)
			}
		}
		generic.SortKeys(affected)
		r.Service.publish(ctx, generic.ChangeEvent{
			Entity:   generic.EntityChain,
			Action:   generic.ActionUpdated,
			EntityID: string(res.SchoolID),
			Key:      merged[0],
			Affected: affected,
			At:       now,
		})
	}
	r.Logger.WithFields(logrus.Fields{
		"removed": report.Removed(),
		"schools": len(report.Chains),
	}).Info("duplicate ledger rows merged")
	return report, nil
}

// earliestPerSchool returns the first key of each school in sorted keys.
func earliestPerSchool(keys []generic.PeriodKey) []generic.PeriodKey {
	var out []generic.PeriodKey
	seen := map[generic.SchoolID]bool{}
	for _, k := range keys {
		if !seen[k.SchoolID] {
			seen[k.SchoolID] = true
			out = append(out, k)
		}
	}
	return out
}

func keysOf(keys []generic.PeriodKey, schoolID generic.SchoolID) []generic.PeriodKey {
	var out []generic.PeriodKey
	for _, k := range keys {
		if k.SchoolID == schoolID {
			out = append(out, k)
		}
	}
	return out
}

func (r *DuplicateReport) addKey(k generic.PeriodKey) {
	if !containsKey(r.Keys, k) {
		r.Keys = append(r.Keys, k)
	}
}

// RecalcAll rebuilds the chain of one school, or of every school that has
// ledgers when schoolID is empty. Returns ErrNoLedgers when nothing was folded.
func (r *Repair) RecalcAll(ctx context.Context, schoolID generic.SchoolID) ([]ChainResult, error) {
	schools, err := r.schoolsWithLedgers(ctx, LedgerFilter{SchoolID: schoolID})
	if err != nil {
		return nil, err
	}
	if len(schools) == 0 {
		return nil, ErrNoLedgers
	}
	results := make([]ChainResult, 0, len(schools))
	for _, id := range schools {
		res, err := r.Service.RecalcChain(ctx, id)
		if err != nil {
			return results, fmt.Errorf("recalc chain for %s: %w", id, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncPeriods runs SyncFromEvents on every ledgered period matching filter.
// Openings are never touched.
func (r *Repair) SyncPeriods(ctx context.Context, filter LedgerFilter) ([]ChainResult, error) {
	keys, err := r.ledgerKeys(ctx, filter)
	if err != nil {
		return nil, err
	}
	results := make([]ChainResult, 0, len(keys))
	for _, k := range keys {
		res, err := r.Service.SyncFromEvents(ctx, k)
		if err != nil {
			return results, fmt.Errorf("sync %s: %w", k, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Repair) ledgerKeys(ctx context.Context, filter LedgerFilter) ([]generic.PeriodKey, error) {
	store := r.Service.Store
	rice, err := store.ListRiceLedgers(ctx, filter)
	if err != nil {
		return nil, err
	}
	amount, err := store.ListAmountLedgers(ctx, filter)
	if err != nil {
		return nil, err
	}
	return periodsOf(LatestRice(rice), LatestAmount(amount)), nil
}

func (r *Repair) schoolsWithLedgers(ctx context.Context, filter LedgerFilter) ([]generic.SchoolID, error) {
	keys, err := r.ledgerKeys(ctx, filter)
	if err != nil {
		return nil, err
	}
	var schools []generic.SchoolID
	seen := map[generic.SchoolID]bool{}
	for _, k := range keys {
		if !seen[k.SchoolID] {
			seen[k.SchoolID] = true
			schools = append(schools, k.SchoolID)
		}
	}
	return schools, nil
}

// =============================================================================
// DIAGNOSE - Read-only expected vs actual
// =============================================================================

// Diagnosis compares one stored ledger row with what the chain says it should hold.
type Diagnosis struct {
	Key             generic.PeriodKey     `json:"key"`
	Ledger          string                `json:"ledger"`
	HasPrevious     bool                  `json:"has_previous"`
	ExpectedOpening generic.SectionValues `json:"expected_opening"`
	ActualOpening   generic.SectionValues `json:"actual_opening"`
	ExpectedClosing generic.SectionValues `json:"expected_closing"`
	ActualClosing   generic.SectionValues `json:"actual_closing"`
	Mismatches      []string              `json:"mismatches,omitempty"`
}

func (d Diagnosis) OK() bool { return len(d.Mismatches) == 0 }

// Diagnose inspects (month, year) for every school that has a ledger for it.
// Nothing is written. Differences above 0.01 are reported as mismatches.
func (r *Repair) Diagnose(ctx context.Context, month, year int) ([]Diagnosis, error) {
	store := r.Service.Store
	var out []Diagnosis

	rice, err := store.ListRiceLedgers(ctx, LedgerFilter{})
	if err != nil {
		return nil, err
	}
	rice = LatestRice(rice)
	for i, row := range rice {
		if row.Year != year || row.Month != month {
			continue
		}
		var prev *RiceLedger
		if i > 0 && rice[i-1].SchoolID == row.SchoolID {
			prev = &rice[i-1]
		}
		events, err := store.ListEvents(ctx, row.Key())
		if err != nil {
			return nil, err
		}
		consumed := RiceConsumption(Tally(events), row.DailyRate)
		d := Diagnosis{Key: row.Key(), Ledger: "rice", ActualOpening: row.Opening, ActualClosing: row.Closing}
		var prevClosing *generic.SectionValues
		if prev != nil {
			prevClosing = &prev.Closing
		}
		diagnose(&d, prevClosing, row.Inflow(), consumed)
		out = append(out, d)
	}

	amount, err := store.ListAmountLedgers(ctx, LedgerFilter{})
	if err != nil {
		return nil, err
	}
	amount = LatestAmount(amount)
	for i, row := range amount {
		if row.Year != year || row.Month != month {
			continue
		}
		events, err := store.ListEvents(ctx, row.Key())
		if err != nil {
			return nil, err
		}
		totals := row
		totals.ApplyTotals(Tally(events))
		d := Diagnosis{Key: row.Key(), Ledger: "amount", ActualOpening: row.Opening, ActualClosing: row.Closing}
		var prevClosing *generic.SectionValues
		if i > 0 && amount[i-1].SchoolID == row.SchoolID {
			prevClosing = &amount[i-1].Closing
		}
		diagnose(&d, prevClosing, row.Received, totals.Consumed)
		out = append(out, d)
	}
	return out, nil
}

func diagnose(d *Diagnosis, prevClosing *generic.SectionValues, inflow, consumed generic.SectionValues) {
	d.ExpectedOpening = d.ActualOpening
	if prevClosing != nil {
		d.HasPrevious = true
		d.ExpectedOpening = *prevClosing
	}
	d.ExpectedClosing = generic.SectionValues{
		Primary: generic.Close(d.ExpectedOpening.Primary, inflow.Primary, consumed.Primary),
		Middle:  generic.Close(d.ExpectedOpening.Middle, inflow.Middle, consumed.Middle),
	}
	for _, s := range generic.Sections {
		if off(d.ExpectedOpening.Get(s), d.ActualOpening.Get(s)) {
			d.Mismatches = append(d.Mismatches, "opening_"+string(s))
		}
		if off(d.ExpectedClosing.Get(s), d.ActualClosing.Get(s)) {
			d.Mismatches = append(d.Mismatches, "closing_"+string(s))
		}
	}
}

func off(a, b decimal.Decimal) bool {
	return !generic.Within(a, b, generic.Tolerance)
}
