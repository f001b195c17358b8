/*
processor.go - What a committed change means for reports

PURPOSE:
  Owns every follow-up of a write. The write path only publishes a
  ChangeEvent; the processor decides which reports went stale and which
  periods to queue for regeneration.

RULES:
  Daily event created/updated/deleted:
    mark the period's reports stale, queue the period unconditionally
    (even with no report yet; the job is a no-op then)

  Rice ledger saved with an opening, lifted, arranged or daily rate change:
    mark the period's rice report stale, queue the period

  Amount ledger saved with a rate or salt percentage change:
    mark the period's amount report stale, then every amount report of the
    school in a strictly later period, queue each of them

  Any other amount ledger change:
    mark the period's amount report stale, queue the period

  Chain recompute:
    mark every changed period's reports stale, queue each

  In every case the periods listed in Affected (later periods whose
  balances the forward cascade rewrote) are marked stale and queued too.

ORDERING:
  Runs after commit, so the local recompute always happens-before dispatch.
*/
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
)

type Processor struct {
	Stale  *report.StaleService
	Queue  queue.Queue
	Logger logrus.FieldLogger
}

func NewProcessor(stale *report.StaleService, q queue.Queue, logger logrus.FieldLogger) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Processor{Stale: stale, Queue: q, Logger: logger.WithField("component", "events.processor")}
}

// plan collects stale marks and regeneration requests for one event.
type plan struct {
	queued []generic.PeriodKey
	reason map[generic.PeriodKey]string
}

func (p *plan) enqueue(k generic.PeriodKey, reason string) {
	if p.reason == nil {
		p.reason = map[generic.PeriodKey]string{}
	}
	if _, ok := p.reason[k]; ok {
		return
	}
	p.reason[k] = reason
	p.queued = append(p.queued, k)
}

// Handle applies the rules above. It is a Handler.
func (p *Processor) Handle(ctx context.Context, ev generic.ChangeEvent) error {
	var pl plan
	key := ev.Key

	switch ev.Entity {
	case generic.EntityDailyEvent:
		reason := fmt.Sprintf("daily event %s", ev.Action)
		if err := p.markAll(ctx, key, reason); err != nil {
			return err
		}
		pl.enqueue(key, reason)

	case generic.EntityRiceLedger:
		if ev.HasChanged(meal.RiceTriggerFields...) {
			reason := "rice ledger changed: " + strings.Join(ev.Changed, ", ")
			if _, err := p.Stale.MarkStaleFor(ctx, key, report.KindRice, reason); err != nil {
				return err
			}
			pl.enqueue(key, reason)
		}

	case generic.EntityAmountLedger:
		if ev.HasChanged(meal.AmountRateFields...) {
			reason := "amount rates changed"
			if _, err := p.Stale.MarkStaleFor(ctx, key, report.KindAmount, reason); err != nil {
				return err
			}
			pl.enqueue(key, reason)
			later := fmt.Sprintf("amount rates changed in %s", key.Label())
			marked, err := p.Stale.MarkFutureStale(ctx, key.SchoolID, key.Year, key.Month, later, report.KindAmount)
			if err != nil {
				return err
			}
			for _, k := range marked {
				pl.enqueue(k, later)
			}
		} else if len(ev.Changed) > 0 {
			reason := "amount ledger changed: " + strings.Join(ev.Changed, ", ")
			if _, err := p.Stale.MarkStaleFor(ctx, key, report.KindAmount, reason); err != nil {
				return err
			}
			pl.enqueue(key, reason)
		}

	case generic.EntityChain:
		reason := "balance chain recomputed"
		if err := p.markAll(ctx, key, reason); err != nil {
			return err
		}
		pl.enqueue(key, reason)
	}

	cascade := fmt.Sprintf("opening balance changed by %s", key.Label())
	if ev.Entity == generic.EntityChain {
		cascade = "balance chain recomputed"
	}
	for _, k := range ev.Affected {
		if err := p.markAll(ctx, k, cascade); err != nil {
			return err
		}
		pl.enqueue(k, cascade)
	}

	return p.dispatch(ctx, pl)
}

func (p *Processor) markAll(ctx context.Context, key generic.PeriodKey, reason string) error {
	for _, kind := range report.Kinds {
		if _, err := p.Stale.MarkStaleFor(ctx, key, kind, reason); err != nil {
			return err
		}
	}
	return nil
}

// dispatch enqueues every planned period. One failed enqueue does not stop
// the others; the stale flag stays set for the monitor to pick up.
func (p *Processor) dispatch(ctx context.Context, pl plan) error {
	var firstErr error
	for _, k := range pl.queued {
		if err := p.Queue.Enqueue(ctx, queue.NewRequest(k, pl.reason[k])); err != nil {
			p.Logger.WithError(err).WithField("period", k.String()).Error("enqueue regeneration failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
