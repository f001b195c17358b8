/*
service.go - Mutations of events and ledgers

PURPOSE:
  Every write to a DailyEvent or a period ledger goes through Service. Each
  mutation is ONE unit of work:

    1. open a transaction and lock the target period
    2. validate and persist the row
    3. recompute the affected periods (recompute.go)
    4. commit
    5. publish a generic.ChangeEvent describing what changed

  Steps 1-4 commit atomically. Step 5 happens only after commit, so a consumer
  never sees an event for a write that rolled back. Publishing has no hidden
  side effects here: everything that reacts to a change (stale marking,
  regeneration) lives in the events package.

CASCADE:
  With CascadeForward (the default) an edit recomputes the edited period and
  every later period of the school, so later openings never lag behind. With
  it off, an edit recomputes only its own period and the chain is restored by
  RecalcChain.

SEE ALSO:
  - recompute.go: The fold over ledger rows
  - events/processor.go: Reacts to published change events
*/
package meal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
)

type Service struct {
	Store          Store
	Publisher      Publisher
	Clock          generic.Clock
	Logger         logrus.FieldLogger
	CascadeForward bool

	validate *validator.Validate
}

func NewService(store Store, publisher Publisher, logger logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		Store:          store,
		Publisher:      publisher,
		Clock:          generic.SystemClock{},
		Logger:         logger.WithField("component", "meal.service"),
		CascadeForward: true,
		validate:       NewValidator(),
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *Service) validator() *validator.Validate {
	if s.validate == nil {
		s.validate = NewValidator()
	}
	return s.validate
}

func (s *Service) span(k generic.PeriodKey) span {
	if s.CascadeForward {
		return fromPeriod(k)
	}
	return singlePeriod(k)
}

// publish is best effort: the write is already committed.
func (s *Service) publish(ctx context.Context, event generic.ChangeEvent) {
	if err := s.Publisher.Publish(ctx, event); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"entity": event.Entity,
			"period": event.Key.String(),
		}).WithError(err).Error("publish change event failed")
	}
}

// =============================================================================
// DAILY EVENTS
// =============================================================================

// EventInput is what staff enter for one serving day.
type EventInput struct {
	SchoolID      generic.SchoolID  `json:"school_id"`
	Date          generic.TimePoint `json:"date"`
	ServedPrimary int               `json:"served_primary"`
	ServedMiddle  int               `json:"served_middle"`
	Remarks       string            `json:"remarks,omitempty"`
}

const (
	FieldDate          = "date"
	FieldServedPrimary = "served_primary"
	FieldServedMiddle  = "served_middle"
	FieldRemarks       = "remarks"
)

func eventChanges(before *DailyEvent, after DailyEvent) []string {
	if before == nil {
		return []string{FieldDate, FieldRemarks, FieldServedMiddle, FieldServedPrimary}
	}
	var changed []string
	if !before.Date.Equal(after.Date) {
		changed = append(changed, FieldDate)
	}
	if before.Remarks != after.Remarks {
		changed = append(changed, FieldRemarks)
	}
	if before.ServedMiddle != after.ServedMiddle {
		changed = append(changed, FieldServedMiddle)
	}
	if before.ServedPrimary != after.ServedPrimary {
		changed = append(changed, FieldServedPrimary)
	}
	return changed
}

func (s *Service) requireSchool(ctx context.Context, store Reader, id generic.SchoolID) error {
	school, err := store.GetSchool(ctx, id)
	if err != nil {
		return err
	}
	if school == nil {
		return fmt.Errorf("%w: %s", generic.ErrSchoolNotFound, id)
	}
	return nil
}

// CreateSchool registers a school, or renames it when the ID is taken. The
// original CreatedAt is kept on rename.
func (s *Service) CreateSchool(ctx context.Context, id generic.SchoolID, name string) (School, error) {
	school := School{ID: id, Name: name, CreatedAt: s.now()}
	if err := Validate(s.validator(), school); err != nil {
		return School{}, err
	}
	err := s.Store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetSchool(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			school.CreatedAt = existing.CreatedAt
		}
		return tx.SaveSchool(ctx, school)
	})
	if err != nil {
		return School{}, fmt.Errorf("save school %s: %w", id, err)
	}
	s.Logger.WithField("school_id", id).Info("school saved")
	return school, nil
}

// CreateEvent records a serving day and recomputes its period.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (DailyEvent, error) {
	now := s.now()
	event := DailyEvent{
		ID:            uuid.NewString(),
		SchoolID:      in.SchoolID,
		Date:          in.Date,
		ServedPrimary: in.ServedPrimary,
		ServedMiddle:  in.ServedMiddle,
		Remarks:       in.Remarks,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := Validate(s.validator(), event); err != nil {
		return DailyEvent{}, err
	}
	key := event.Key()

	var result ChainResult
	err := s.Store.WithTx(ctx, func(tx Store) error {
		if err := s.requireSchool(ctx, tx, in.SchoolID); err != nil {
			return err
		}
		if err := tx.LockPeriod(ctx, key); err != nil {
			return err
		}
		if err := tx.SaveEvent(ctx, event); err != nil {
			return err
		}
		var err error
		result, err = s.recompute(ctx, tx, key.SchoolID, s.span(key), key)
		return err
	})
	if err != nil {
		return DailyEvent{}, err
	}

	saved, err := s.Store.GetEvent(ctx, event.ID)
	if err != nil || saved == nil {
		saved = &event
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityDailyEvent,
		Action:   generic.ActionCreated,
		EntityID: event.ID,
		Key:      key,
		Changed:  eventChanges(nil, event),
		Affected: result.Affected(key),
		At:       now,
	})
	return *saved, nil
}

// UpdateEvent edits a serving day. Moving the date into another month
// recomputes both months.
func (s *Service) UpdateEvent(ctx context.Context, id string, in EventInput) (DailyEvent, error) {
	now := s.now()
	var (
		before  DailyEvent
		after   DailyEvent
		origin  generic.PeriodKey
		results []ChainResult
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", generic.ErrEventNotFound, id)
		}
		before = *existing
		after = before
		after.Date = in.Date
		after.ServedPrimary = in.ServedPrimary
		after.ServedMiddle = in.ServedMiddle
		after.Remarks = in.Remarks
		after.UpdatedAt = now
		if err := Validate(s.validator(), after); err != nil {
			return err
		}

		keys := []generic.PeriodKey{before.Key()}
		if after.Key() != before.Key() {
			keys = append(keys, after.Key())
			generic.SortKeys(keys)
		}
		origin = keys[0]
		for _, k := range keys {
			if err := tx.LockPeriod(ctx, k); err != nil {
				return err
			}
		}
		if err := tx.SaveEvent(ctx, after); err != nil {
			return err
		}
		if s.CascadeForward {
			r, err := s.recompute(ctx, tx, origin.SchoolID, fromPeriod(origin), keys...)
			if err != nil {
				return err
			}
			results = append(results, r)
			return nil
		}
		for _, k := range keys {
			r, err := s.recompute(ctx, tx, k.SchoolID, singlePeriod(k), k)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return DailyEvent{}, err
	}

	// A moved event invalidates both months.
	var affected []generic.PeriodKey
	for _, r := range results {
		for _, k := range r.Affected(origin) {
			if !containsKey(affected, k) {
				affected = append(affected, k)
			}
		}
	}
	for _, k := range []generic.PeriodKey{before.Key(), after.Key()} {
		if k != origin && !containsKey(affected, k) {
			affected = append(affected, k)
		}
	}
	generic.SortKeys(affected)

	saved, err := s.Store.GetEvent(ctx, id)
	if err != nil || saved == nil {
		saved = &after
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityDailyEvent,
		Action:   generic.ActionUpdated,
		EntityID: id,
		Key:      origin,
		Changed:  eventChanges(&before, after),
		Affected: affected,
		At:       now,
	})
	return *saved, nil
}

// DeleteEvent removes a serving day and recomputes its period.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	var (
		key    generic.PeriodKey
		result ChainResult
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", generic.ErrEventNotFound, id)
		}
		key = existing.Key()
		if err := tx.LockPeriod(ctx, key); err != nil {
			return err
		}
		if err := tx.DeleteEvent(ctx, id); err != nil {
			return err
		}
		result, err = s.recompute(ctx, tx, key.SchoolID, s.span(key), key)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityDailyEvent,
		Action:   generic.ActionDeleted,
		EntityID: id,
		Key:      key,
		Changed:  eventChanges(nil, DailyEvent{}),
		Affected: result.Affected(key),
		At:       s.now(),
	})
	return nil
}

// =============================================================================
// LEDGERS
// =============================================================================

// RiceLedgerInput carries the operator-entered rice fields of one period.
type RiceLedgerInput struct {
	SchoolID  generic.SchoolID      `json:"school_id"`
	Year      int                   `json:"year"`
	Month     int                   `json:"month"`
	Opening   generic.SectionValues `json:"opening"`
	Lifted    generic.SectionValues `json:"lifted"`
	Arranged  generic.SectionValues `json:"arranged"`
	DailyRate generic.SectionValues `json:"daily_rate"`
}

// SaveRiceLedger creates or updates the rice ledger of a period.
func (s *Service) SaveRiceLedger(ctx context.Context, in RiceLedgerInput) (RiceLedger, error) {
	key := generic.NewPeriodKey(in.SchoolID, in.Year, in.Month)
	now := s.now()
	var (
		saved   RiceLedger
		action  = generic.ActionUpdated
		changed []string
		result  ChainResult
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		if err := s.requireSchool(ctx, tx, in.SchoolID); err != nil {
			return err
		}
		if err := tx.LockPeriod(ctx, key); err != nil {
			return err
		}
		existing, err := tx.GetRiceLedger(ctx, key)
		if err != nil {
			return err
		}
		var before map[string]decimal.Decimal
		ledger := RiceLedger{ID: uuid.NewString(), SchoolID: in.SchoolID, Year: in.Year, Month: in.Month, CreatedAt: now}
		if existing != nil {
			before = existing.ManualFields()
			ledger = *existing
		} else {
			action = generic.ActionCreated
		}
		ledger.Opening = in.Opening.Round()
		ledger.Lifted = in.Lifted.Round()
		ledger.Arranged = in.Arranged.Round()
		ledger.DailyRate = in.DailyRate
		ledger.UpdatedAt = now
		if err := Validate(s.validator(), ledger); err != nil {
			return err
		}
		changed = diffFields(before, ledger.ManualFields())

		// Derived figures are kept consistent before the fold even runs.
		served, err := s.served(ctx, tx, key)
		if err != nil {
			return err
		}
		ledger.Apply(generic.Recompute(nil, generic.LinkInput{
			Key: key, Opening: ledger.Opening, Inflow: ledger.Inflow(),
			Consumed: RiceConsumption(served, ledger.DailyRate),
		}))
		if err := tx.SaveRiceLedger(ctx, ledger); err != nil {
			return err
		}
		result, err = s.recompute(ctx, tx, in.SchoolID, s.span(key))
		if err != nil {
			return err
		}
		got, err := tx.GetRiceLedger(ctx, key)
		if err != nil {
			return err
		}
		if got != nil {
			ledger = *got
		}
		saved = ledger
		return nil
	})
	if err != nil {
		return RiceLedger{}, err
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityRiceLedger,
		Action:   action,
		EntityID: saved.ID,
		Key:      key,
		Changed:  changed,
		Affected: result.Affected(key),
		At:       now,
	})
	return saved, nil
}

// AmountLedgerInput carries the operator-entered money fields of one period.
type AmountLedgerInput struct {
	SchoolID     generic.SchoolID      `json:"school_id"`
	Year         int                   `json:"year"`
	Month        int                   `json:"month"`
	Opening      generic.SectionValues `json:"opening"`
	Received     generic.SectionValues `json:"received"`
	PrimaryRates CategoryRates         `json:"primary_rates"`
	MiddleRates  CategoryRates         `json:"middle_rates"`
	Salt         SaltSplit             `json:"salt_percentages"`
}

// SaveAmountLedger creates or updates the amount ledger of a period.
// Category totals are derived before the row is written.
func (s *Service) SaveAmountLedger(ctx context.Context, in AmountLedgerInput) (AmountLedger, error) {
	key := generic.NewPeriodKey(in.SchoolID, in.Year, in.Month)
	now := s.now()
	var (
		saved   AmountLedger
		action  = generic.ActionUpdated
		changed []string
		result  ChainResult
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		if err := s.requireSchool(ctx, tx, in.SchoolID); err != nil {
			return err
		}
		if err := tx.LockPeriod(ctx, key); err != nil {
			return err
		}
		existing, err := tx.GetAmountLedger(ctx, key)
		if err != nil {
			return err
		}
		var before map[string]decimal.Decimal
		ledger := AmountLedger{ID: uuid.NewString(), SchoolID: in.SchoolID, Year: in.Year, Month: in.Month, CreatedAt: now}
		if existing != nil {
			before = existing.ManualFields()
			ledger = *existing
		} else {
			action = generic.ActionCreated
		}
		ledger.Opening = in.Opening.Round()
		ledger.Received = in.Received.Round()
		ledger.PrimaryRates = in.PrimaryRates
		ledger.MiddleRates = in.MiddleRates
		ledger.Salt = in.Salt
		ledger.UpdatedAt = now
		if err := Validate(s.validator(), ledger); err != nil {
			return err
		}
		changed = diffFields(before, ledger.ManualFields())

		served, err := s.served(ctx, tx, key)
		if err != nil {
			return err
		}
		ledger.ApplyTotals(served)
		if err := tx.SaveAmountLedger(ctx, ledger); err != nil {
			return err
		}
		result, err = s.recompute(ctx, tx, in.SchoolID, s.span(key))
		if err != nil {
			return err
		}
		got, err := tx.GetAmountLedger(ctx, key)
		if err != nil {
			return err
		}
		if got != nil {
			ledger = *got
		}
		saved = ledger
		return nil
	})
	if err != nil {
		return AmountLedger{}, err
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityAmountLedger,
		Action:   action,
		EntityID: saved.ID,
		Key:      key,
		Changed:  changed,
		Affected: result.Affected(key),
		At:       now,
	})
	return saved, nil
}

func (s *Service) served(ctx context.Context, tx Reader, key generic.PeriodKey) (Served, error) {
	events, err := tx.ListEvents(ctx, key)
	if err != nil {
		return Served{}, err
	}
	return Tally(events), nil
}

// =============================================================================
// RECOMPUTE ENTRY POINTS
// =============================================================================

// SyncFromEvents recomputes consumed and closing of exactly one period.
// Opening is not touched and nothing propagates.
func (s *Service) SyncFromEvents(ctx context.Context, key generic.PeriodKey) (ChainResult, error) {
	if err := key.Validate(); err != nil {
		return ChainResult{}, err
	}
	return s.inTx(ctx, key.SchoolID, singlePeriod(key), &key)
}

// RecomputeFrom folds forward from key: key keeps its own opening, every
// later period opens with its predecessor's closing.
func (s *Service) RecomputeFrom(ctx context.Context, key generic.PeriodKey) (ChainResult, error) {
	if err := key.Validate(); err != nil {
		return ChainResult{}, err
	}
	return s.inTx(ctx, key.SchoolID, fromPeriod(key), &key)
}

// RecalcChain rebuilds the whole chain of a school. The first period keeps
// its opening as the manual seed. Running it twice writes nothing the second time.
func (s *Service) RecalcChain(ctx context.Context, schoolID generic.SchoolID) (ChainResult, error) {
	result, err := s.inTx(ctx, schoolID, wholeChain(), nil)
	if err != nil {
		return result, err
	}
	s.Logger.WithFields(logrus.Fields{
		"school_id": schoolID,
		"periods":   result.Periods,
		"changed":   len(result.Changed),
	}).Info("chain recalculated")
	return result, nil
}

// inTx runs one recompute in its own transaction and publishes a chain event
// when stored figures changed.
func (s *Service) inTx(ctx context.Context, schoolID generic.SchoolID, sp span, origin *generic.PeriodKey) (ChainResult, error) {
	var result ChainResult
	err := s.Store.WithTx(ctx, func(tx Store) error {
		var touched []generic.PeriodKey
		if origin != nil {
			if err := tx.LockPeriod(ctx, *origin); err != nil {
				return err
			}
			touched = append(touched, *origin)
		}
		var err error
		result, err = s.recompute(ctx, tx, schoolID, sp, touched...)
		return err
	})
	if err != nil || len(result.Changed) == 0 {
		return result, err
	}
	s.publish(ctx, generic.ChangeEvent{
		Entity:   generic.EntityChain,
		Action:   generic.ActionUpdated,
		EntityID: string(schoolID),
		Key:      result.Changed[0],
		Affected: result.Changed[1:],
		At:       s.now(),
	})
	return result, nil
}
