/*
consumption.go - Month summary from daily events and live rates

PURPOSE:
  Answers "how much was consumed this month, and where does that leave
  the balance?" for one school-month.

LIVE RATES:
  Rates are read from the period's ledger at calculation time. They are NOT
  snapshotted on the events, so a retroactive rate change changes the
  result of recomputing a past month. That is intended.

PURITY:
  Summarize only reads. Calling it twice with unchanged inputs returns
  identical output.

AVERAGE:
  AvgDailyConsumption = TotalConsumed / ServingDays, where ServingDays is the
  number of distinct dates with an event. Zero serving days gives 0.
*/
package meal

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
)

// MonthSummary is the aggregated view of one period.
type MonthSummary struct {
	Key                 generic.PeriodKey `json:"key"`
	Unit                generic.Unit      `json:"unit"`
	TotalConsumed       decimal.Decimal   `json:"total_consumed"`
	TotalPrimary        decimal.Decimal   `json:"total_primary"`
	TotalMiddle         decimal.Decimal   `json:"total_middle"`
	OpeningBalance      decimal.Decimal   `json:"opening_balance"`
	ClosingBalance      decimal.Decimal   `json:"closing_balance"`
	AvgDailyConsumption decimal.Decimal   `json:"avg_daily_consumption"`
	ServedPrimary       int               `json:"served_primary"`
	ServedMiddle        int               `json:"served_middle"`
	ServingDays         int               `json:"serving_days"`
}

// ConsumptionService aggregates events with the period's current rates.
type ConsumptionService struct {
	Store Reader
}

func NewConsumptionService(store Reader) *ConsumptionService {
	return &ConsumptionService{Store: store}
}

// Summarize returns the rice summary for a school-month.
// Fails with NoConsumptionDataError when the period has no events and with
// ConfigurationMissingError when the period has no rice ledger.
func (c *ConsumptionService) Summarize(ctx context.Context, schoolID generic.SchoolID, month, year int) (MonthSummary, error) {
	key := generic.NewPeriodKey(schoolID, year, month)
	events, err := c.Store.ListEvents(ctx, key)
	if err != nil {
		return MonthSummary{}, err
	}
	if len(events) == 0 {
		return MonthSummary{}, &generic.NoConsumptionDataError{Key: key}
	}
	ledger, err := c.Store.GetRiceLedger(ctx, key)
	if err != nil {
		return MonthSummary{}, err
	}
	if ledger == nil {
		return MonthSummary{}, &generic.ConfigurationMissingError{SchoolID: schoolID, Key: key, What: "rice rate"}
	}
	served := Tally(events)
	consumed := RiceConsumption(served, ledger.DailyRate)
	return buildSummary(key, generic.UnitKilograms, served, ledger.Opening, ledger.Inflow(), consumed), nil
}

// SummarizeAmount is the money equivalent of Summarize.
func (c *ConsumptionService) SummarizeAmount(ctx context.Context, schoolID generic.SchoolID, month, year int) (MonthSummary, error) {
	key := generic.NewPeriodKey(schoolID, year, month)
	events, err := c.Store.ListEvents(ctx, key)
	if err != nil {
		return MonthSummary{}, err
	}
	if len(events) == 0 {
		return MonthSummary{}, &generic.NoConsumptionDataError{Key: key}
	}
	ledger, err := c.Store.GetAmountLedger(ctx, key)
	if err != nil {
		return MonthSummary{}, err
	}
	if ledger == nil {
		return MonthSummary{}, &generic.ConfigurationMissingError{SchoolID: schoolID, Key: key, What: "cooking cost rate"}
	}
	served := Tally(events)
	l := *ledger
	l.ApplyTotals(served)
	return buildSummary(key, generic.UnitCurrency, served, l.Opening, l.Received, l.Consumed), nil
}

func buildSummary(key generic.PeriodKey, unit generic.Unit, served Served, opening, inflow, consumed generic.SectionValues) MonthSummary {
	total := generic.Round2(consumed.Total())
	avg := decimal.Zero
	if served.Days > 0 {
		avg = generic.Round2(total.Div(decimal.NewFromInt(int64(served.Days))))
	}
	return MonthSummary{
		Key:                 key,
		Unit:                unit,
		TotalConsumed:       total,
		TotalPrimary:        consumed.Primary,
		TotalMiddle:         consumed.Middle,
		OpeningBalance:      generic.Round2(opening.Total()),
		ClosingBalance:      generic.Close(opening.Total(), inflow.Total(), total),
		AvgDailyConsumption: avg,
		ServedPrimary:       served.Primary,
		ServedMiddle:        served.Middle,
		ServingDays:         served.Days,
	}
}

// Tally sums served counts and counts distinct serving dates.
func Tally(events []DailyEvent) Served {
	var s Served
	days := make(map[string]struct{}, len(events))
	for _, e := range events {
		s.Primary += e.ServedPrimary
		s.Middle += e.ServedMiddle
		days[e.Date.String()] = struct{}{}
	}
	s.Days = len(days)
	s.Events = len(events)
	return s
}

// RiceConsumption is served * rate per section, rounded to two places.
// Computed on the monthly totals so per-day rounding never accumulates.
func RiceConsumption(served Served, rate generic.SectionValues) generic.SectionValues {
	n := served.Decimal()
	return generic.SectionValues{
		Primary: generic.Round2(n.Primary.Mul(rate.Primary)),
		Middle:  generic.Round2(n.Middle.Mul(rate.Middle)),
	}
}

// SortEvents orders events by date, then creation time.
func SortEvents(events []DailyEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

// EventFigures are the derived per-day figures of one event.
type EventFigures struct {
	RiceConsumed     decimal.Decimal
	RiceBalanceAfter decimal.Decimal
	AmountConsumed   decimal.Decimal
}

// Step is one day of a running balance.
type Step struct {
	Used    decimal.Decimal
	Balance decimal.Decimal
}

// RunningBalance threads one accumulator through date-sorted events:
// it starts at start and each event subtracts cost(event).
func RunningBalance(events []DailyEvent, start decimal.Decimal, cost func(DailyEvent) decimal.Decimal) []Step {
	steps := make([]Step, len(events))
	balance := start
	for i, e := range events {
		used := cost(e)
		balance = balance.Sub(used)
		steps[i] = Step{Used: used, Balance: generic.Round2(balance)}
	}
	return steps
}

// RunningFigures computes the cached figures of date-sorted events.
// amount may be nil when the period has no amount ledger.
func RunningFigures(events []DailyEvent, rice RiceLedger, amount *AmountLedger) []EventFigures {
	figures := make([]EventFigures, len(events))
	start := rice.Opening.Total().Add(rice.Inflow().Total())
	for i, step := range RunningBalance(events, start, rice.DailyUse) {
		figures[i] = EventFigures{
			RiceConsumed:     step.Used,
			RiceBalanceAfter: step.Balance,
			AmountConsumed:   decimal.Zero,
		}
		if amount != nil {
			figures[i].AmountConsumed = amount.DailyCost(events[i])
		}
	}
	return figures
}

// DailyUse is the rice attributed to one serving day.
func (l RiceLedger) DailyUse(e DailyEvent) decimal.Decimal {
	n := e.Decimal()
	return generic.Round2(n.Primary.Mul(l.DailyRate.Primary).Add(n.Middle.Mul(l.DailyRate.Middle)))
}

// Decimal returns the event's served counts as decimals.
func (e DailyEvent) Decimal() generic.SectionValues {
	return Served{Primary: e.ServedPrimary, Middle: e.ServedMiddle}.Decimal()
}
