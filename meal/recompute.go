/*
recompute.go - Loading ledger rows into the chain fold and writing results back

PURPOSE:
  Every path that touches balances ends here. A recompute is described by a
  span of period ordinals [From, To] within one school:

    SyncFromEvents(k)  -> span{k, k}       (single period, opening untouched)
    RecomputeFrom(k)   -> span{k, +inf}    (edited period and everything after)
    RecalcChain(s)     -> span{-inf, +inf} (whole history)

  The first row inside the span keeps its stored opening as the seed. Every
  later row gets the previous row's closing. Rows outside the span are never
  read for update or written.

LOCKING:
  Every period in the span is locked before its row is read for the fold
  (lockSpan). Writing back a row read before its lock would overwrite a
  manual edit committed by the writer we waited on.

DRIFT:
  If a key has more than one ledger row, the most recently updated row is the
  one folded. The others are left for FixDuplicates.

EVENT CACHES:
  After the ledgers are written, every period in the span has its events'
  cached figures rewritten from one running accumulator (see
  consumption.go RunningFigures). Only events whose figures differ are saved.
*/
package meal

import (
	"context"
	"math"
	"sort"

	"github.com/warp/meal-ledger/generic"
)

type span struct {
	From int
	To   int
}

func (s span) contains(k generic.PeriodKey) bool {
	o := k.Ordinal()
	return o >= s.From && o <= s.To
}

func singlePeriod(k generic.PeriodKey) span { return span{From: k.Ordinal(), To: k.Ordinal()} }
func fromPeriod(k generic.PeriodKey) span   { return span{From: k.Ordinal(), To: math.MaxInt} }
func wholeChain() span                      { return span{From: math.MinInt, To: math.MaxInt} }

// ChainResult reports what a recompute did.
type ChainResult struct {
	SchoolID generic.SchoolID `json:"school_id"`

	// Periods is the number of ledger rows folded (rice + amount).
	Periods int `json:"periods"`

	// Changed lists every period whose stored ledger figures changed.
	Changed []generic.PeriodKey `json:"changed,omitempty"`
}

func (r *ChainResult) markChanged(k generic.PeriodKey) {
	for _, c := range r.Changed {
		if c == k {
			return
		}
	}
	r.Changed = append(r.Changed, k)
}

// Affected returns changed periods other than origin, ascending.
func (r ChainResult) Affected(origin generic.PeriodKey) []generic.PeriodKey {
	var out []generic.PeriodKey
	for _, k := range r.Changed {
		if k != origin {
			out = append(out, k)
		}
	}
	generic.SortKeys(out)
	return out
}

// =============================================================================
// FOLD
// =============================================================================

// recompute folds the school's ledgers inside sp. touched names periods whose
// event caches must be refreshed even when they have no ledger row.
func (s *Service) recompute(ctx context.Context, tx Store, schoolID generic.SchoolID, sp span, touched ...generic.PeriodKey) (ChainResult, error) {
	result := ChainResult{SchoolID: schoolID}
	now := s.now()

	rice, amount, keys, err := lockSpan(ctx, tx, schoolID, sp)
	if err != nil {
		return result, err
	}

	servedByKey := make(map[generic.PeriodKey]Served, len(keys))
	for _, k := range keys {
		events, err := tx.ListEvents(ctx, k)
		if err != nil {
			return result, err
		}
		servedByKey[k] = Tally(events)
	}

	// Rice chain.
	riceInputs := make([]generic.LinkInput, len(rice))
	for i, row := range rice {
		riceInputs[i] = generic.LinkInput{
			Key:      row.Key(),
			Opening:  row.Opening,
			Inflow:   row.Inflow(),
			Consumed: RiceConsumption(servedByKey[row.Key()], row.DailyRate),
		}
	}
	for i, link := range generic.Fold(riceInputs) {
		row := rice[i]
		before := row
		row.Apply(link)
		if !riceFiguresEqual(before, row) {
			row.UpdatedAt = now
			if err := tx.SaveRiceLedger(ctx, row); err != nil {
				return result, err
			}
			result.markChanged(row.Key())
		}
		rice[i] = row
	}

	// Amount chain. ApplyTotals runs first so the fold sees this period's consumption.
	amountInputs := make([]generic.LinkInput, len(amount))
	for i, row := range amount {
		totals := row
		totals.ApplyTotals(servedByKey[row.Key()])
		amountInputs[i] = generic.LinkInput{
			Key:      row.Key(),
			Opening:  row.Opening,
			Inflow:   row.Received,
			Consumed: totals.Consumed,
		}
	}
	for i, link := range generic.Fold(amountInputs) {
		row := amount[i]
		before := row
		row.Apply(link, servedByKey[row.Key()])
		if !amountFiguresEqual(before, row) {
			row.UpdatedAt = now
			if err := tx.SaveAmountLedger(ctx, row); err != nil {
				return result, err
			}
			result.markChanged(row.Key())
		}
		amount[i] = row
	}
	result.Periods = len(rice) + len(amount)

	riceByKey := make(map[generic.PeriodKey]*RiceLedger, len(rice))
	for i := range rice {
		riceByKey[rice[i].Key()] = &rice[i]
	}
	amountByKey := make(map[generic.PeriodKey]*AmountLedger, len(amount))
	for i := range amount {
		amountByKey[amount[i].Key()] = &amount[i]
	}
	refresh := keys
	for _, k := range touched {
		if k.SchoolID == schoolID && sp.contains(k) && !containsKey(refresh, k) {
			refresh = append(refresh, k)
		}
	}
	generic.SortKeys(refresh)
	for _, k := range refresh {
		if err := s.refreshEvents(ctx, tx, k, riceByKey[k], amountByKey[k]); err != nil {
			return result, err
		}
	}
	generic.SortKeys(result.Changed)
	return result, nil
}

// lockSpan locks every period of sp that has a ledger row and returns the rows
// as read after their locks are held. Rows read before locking may predate a
// writer we waited on, so they only decide what to lock. A period that first
// shows up on the re-read is locked and the span is read again.
//
// Locks are taken ascending within each pass so concurrent cascades over the
// same school can't deadlock.
func lockSpan(ctx context.Context, tx Store, schoolID generic.SchoolID, sp span) ([]RiceLedger, []AmountLedger, []generic.PeriodKey, error) {
	locked := make(map[generic.PeriodKey]bool)
	for {
		riceRows, err := tx.ListRiceLedgers(ctx, LedgerFilter{SchoolID: schoolID})
		if err != nil {
			return nil, nil, nil, err
		}
		amountRows, err := tx.ListAmountLedgers(ctx, LedgerFilter{SchoolID: schoolID})
		if err != nil {
			return nil, nil, nil, err
		}
		rice := inSpan(LatestRice(riceRows), sp, RiceLedger.Key)
		amount := inSpan(LatestAmount(amountRows), sp, AmountLedger.Key)
		keys := periodsOf(rice, amount)

		grew := false
		for _, k := range keys {
			if locked[k] {
				continue
			}
			if err := tx.LockPeriod(ctx, k); err != nil {
				return nil, nil, nil, err
			}
			locked[k] = true
			grew = true
		}
		if !grew {
			return rice, amount, keys, nil
		}
	}
}

// refreshEvents rewrites the cached figures of one period's events.
// A period with no rice ledger gets zero rice figures.
func (s *Service) refreshEvents(ctx context.Context, tx Store, key generic.PeriodKey, rice *RiceLedger, amount *AmountLedger) error {
	events, err := tx.ListEvents(ctx, key)
	if err != nil {
		return err
	}
	SortEvents(events)
	var r RiceLedger
	if rice != nil {
		r = *rice
	}
	for i, f := range RunningFigures(events, r, amount) {
		e := events[i]
		if e.RiceConsumed.Equal(f.RiceConsumed) && e.RiceBalanceAfter.Equal(f.RiceBalanceAfter) && e.AmountConsumed.Equal(f.AmountConsumed) {
			continue
		}
		e.RiceConsumed = f.RiceConsumed
		e.RiceBalanceAfter = f.RiceBalanceAfter
		e.AmountConsumed = f.AmountConsumed
		if err := tx.SaveEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ROW HELPERS
// =============================================================================

// LatestRice keeps the most recently updated row per key, ascending by period.
func LatestRice(rows []RiceLedger) []RiceLedger {
	return latest(rows, RiceLedger.Key, func(r RiceLedger) int64 { return r.UpdatedAt.UnixNano() })
}

// LatestAmount keeps the most recently updated row per key, ascending by period.
func LatestAmount(rows []AmountLedger) []AmountLedger {
	return latest(rows, AmountLedger.Key, func(r AmountLedger) int64 { return r.UpdatedAt.UnixNano() })
}

func latest[T any](rows []T, key func(T) generic.PeriodKey, updated func(T) int64) []T {
	byKey := make(map[generic.PeriodKey]T, len(rows))
	for _, r := range rows {
		k := key(r)
		if cur, ok := byKey[k]; !ok || updated(r) > updated(cur) {
			byKey[k] = r
		}
	}
	out := make([]T, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki.SchoolID != kj.SchoolID {
			return ki.SchoolID < kj.SchoolID
		}
		return ki.Ordinal() < kj.Ordinal()
	})
	return out
}

func inSpan[T any](rows []T, sp span, key func(T) generic.PeriodKey) []T {
	out := rows[:0:0]
	for _, r := range rows {
		if sp.contains(key(r)) {
			out = append(out, r)
		}
	}
	return out
}

func periodsOf(rice []RiceLedger, amount []AmountLedger) []generic.PeriodKey {
	seen := make(map[generic.PeriodKey]bool)
	var keys []generic.PeriodKey
	for _, r := range rice {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			keys = append(keys, r.Key())
		}
	}
	for _, a := range amount {
		if !seen[a.Key()] {
			seen[a.Key()] = true
			keys = append(keys, a.Key())
		}
	}
	generic.SortKeys(keys)
	return keys
}

func containsKey(keys []generic.PeriodKey, k generic.PeriodKey) bool {
	for _, c := range keys {
		if c == k {
			return true
		}
	}
	return false
}

func riceFiguresEqual(a, b RiceLedger) bool {
	return a.Opening.Equal(b.Opening) && a.Consumed.Equal(b.Consumed) && a.Closing.Equal(b.Closing)
}

func amountFiguresEqual(a, b AmountLedger) bool {
	return a.Opening.Equal(b.Opening) && a.Consumed.Equal(b.Consumed) && a.Closing.Equal(b.Closing) &&
		a.PrimaryTotals.Equal(b.PrimaryTotals) && a.MiddleTotals.Equal(b.MiddleTotals) && a.SaltBreakdown.Equal(b.SaltBreakdown)
}
