/*
generator.go - Building report snapshots

PURPOSE:
  Build turns the current ledger row and events of a period into a Snapshot.
  Generate is the explicit "create a report" action; the regeneration job
  uses Build directly and replaces the stored row.

ROWS:
  Day rows come from one ordered reduce over date-sorted events
  (meal.RunningBalance). The running balance is an explicit accumulator
  passed through that reduce, never state shared between rows.

ERRORS:
  - NoConsumptionDataError: the period has no events
  - ConfigurationMissingError: the period has no ledger for the kind
  - ReportAlreadyExistsError: Generate on a period that already has one
*/
package report

import (
	"context"
	"fmt"

	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
)

type Generator struct {
	Ledger      meal.Reader
	Reports     Store
	Consumption *meal.ConsumptionService
	Clock       generic.Clock
}

func NewGenerator(ledger meal.Reader, reports Store, clock generic.Clock) *Generator {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Generator{
		Ledger:      ledger,
		Reports:     reports,
		Consumption: meal.NewConsumptionService(ledger),
		Clock:       clock,
	}
}

// Generate creates the first report of kind for key.
func (g *Generator) Generate(ctx context.Context, key generic.PeriodKey, kind Kind) (Report, error) {
	if err := key.Validate(); err != nil {
		return Report{}, err
	}
	if !kind.Valid() {
		return Report{}, fmt.Errorf("%w: unknown report kind %q", generic.ErrValidation, kind)
	}
	school, err := g.Ledger.GetSchool(ctx, key.SchoolID)
	if err != nil {
		return Report{}, err
	}
	if school == nil {
		return Report{}, fmt.Errorf("%w: %s", generic.ErrSchoolNotFound, key.SchoolID)
	}
	existing, err := g.Reports.GetReport(ctx, key, kind)
	if err != nil {
		return Report{}, err
	}
	if existing != nil {
		return Report{}, &generic.ReportAlreadyExistsError{ExistingID: existing.ID, Key: key, Kind: string(kind)}
	}
	r, err := g.Build(ctx, key, kind)
	if err != nil {
		return Report{}, err
	}
	if err := g.Reports.SaveReport(ctx, r); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Build computes a fresh report without persisting it.
func (g *Generator) Build(ctx context.Context, key generic.PeriodKey, kind Kind) (Report, error) {
	var (
		data Snapshot
		err  error
	)
	switch kind {
	case KindRice:
		data, err = g.buildRice(ctx, key)
	case KindAmount:
		data, err = g.buildAmount(ctx, key)
	default:
		return Report{}, fmt.Errorf("%w: unknown report kind %q", generic.ErrValidation, kind)
	}
	if err != nil {
		return Report{}, err
	}
	return Report{
		ID:          ReportID(key, kind),
		SchoolID:    key.SchoolID,
		Kind:        kind,
		Year:        key.Year,
		Month:       key.Month,
		Data:        data,
		GeneratedAt: g.Clock.Now(),
	}, nil
}

func (g *Generator) buildRice(ctx context.Context, key generic.PeriodKey) (Snapshot, error) {
	summary, err := g.Consumption.Summarize(ctx, key.SchoolID, key.Month, key.Year)
	if err != nil {
		return Snapshot{}, err
	}
	ledger, err := g.Ledger.GetRiceLedger(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	if ledger == nil {
		return Snapshot{}, &generic.ConfigurationMissingError{SchoolID: key.SchoolID, Key: key, What: "rice rate"}
	}
	events, err := g.sortedEvents(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	start := ledger.Opening.Total().Add(ledger.Inflow().Total())
	consumed := meal.RiceConsumption(meal.Tally(events), ledger.DailyRate)
	return Snapshot{
		Unit:     generic.UnitKilograms,
		Summary:  summary,
		Opening:  ledger.Opening,
		Inflow:   ledger.Inflow(),
		Consumed: consumed,
		Closing:  closing(ledger.Opening, ledger.Inflow(), consumed),
		Rows:     rows(events, meal.RunningBalance(events, start, ledger.DailyUse)),
	}, nil
}

func (g *Generator) buildAmount(ctx context.Context, key generic.PeriodKey) (Snapshot, error) {
	summary, err := g.Consumption.SummarizeAmount(ctx, key.SchoolID, key.Month, key.Year)
	if err != nil {
		return Snapshot{}, err
	}
	ledger, err := g.Ledger.GetAmountLedger(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	if ledger == nil {
		return Snapshot{}, &generic.ConfigurationMissingError{SchoolID: key.SchoolID, Key: key, What: "cooking cost rate"}
	}
	events, err := g.sortedEvents(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	l := *ledger
	l.ApplyTotals(meal.Tally(events))
	start := l.Opening.Total().Add(l.Received.Total())
	return Snapshot{
		Unit:          generic.UnitCurrency,
		Summary:       summary,
		Opening:       l.Opening,
		Inflow:        l.Received,
		Consumed:      l.Consumed,
		Closing:       l.Closing,
		Rows:          rows(events, meal.RunningBalance(events, start, l.DailyCost)),
		PrimaryTotals: &l.PrimaryTotals,
		MiddleTotals:  &l.MiddleTotals,
		SaltBreakdown: &l.SaltBreakdown,
	}, nil
}

func (g *Generator) sortedEvents(ctx context.Context, key generic.PeriodKey) ([]meal.DailyEvent, error) {
	events, err := g.Ledger.ListEvents(ctx, key)
	if err != nil {
		return nil, err
	}
	meal.SortEvents(events)
	return events, nil
}

func rows(events []meal.DailyEvent, steps []meal.Step) []Row {
	out := make([]Row, len(events))
	for i, e := range events {
		out[i] = Row{
			Date:          e.Date,
			ServedPrimary: e.ServedPrimary,
			ServedMiddle:  e.ServedMiddle,
			Consumed:      steps[i].Used,
			Balance:       steps[i].Balance,
			Remarks:       e.Remarks,
		}
	}
	return out
}

func closing(opening, inflow, consumed generic.SectionValues) generic.SectionValues {
	return generic.SectionValues{
		Primary: generic.Close(opening.Primary, inflow.Primary, consumed.Primary),
		Middle:  generic.Close(opening.Middle, inflow.Middle, consumed.Middle),
	}
}
