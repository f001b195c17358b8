/*
store.go - Persistence interface for schools, daily events and period ledgers

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: generic/store (in-memory, tests) and store/sqlstore
  (SQLite / PostgreSQL).

UNIQUENESS:
  - one DailyEvent per (school, date)
  - one RiceLedger and one AmountLedger per (school, year, month)

  Stores are expected to enforce these, but FixDuplicates in repair.go
  tolerates drift and the chain fold always reads the most recently updated
  row of a key.

LOCKING:
  LockPeriod must be called inside WithTx before a period's rows are read for
  update. It takes a row-level lock on that period's ledger rows so two
  concurrent edits of the same period cannot interleave partial recomputes.
  Lock scope never crosses schools.

NOT FOUND:
  Get* methods return (nil, nil) when the row doesn't exist.
*/
package meal

import (
	"context"

	"github.com/warp/meal-ledger/generic"
)

// Reader is the read side used by pure calculations.
type Reader interface {
	GetSchool(ctx context.Context, id generic.SchoolID) (*School, error)
	ListEvents(ctx context.Context, key generic.PeriodKey) ([]DailyEvent, error)
	GetRiceLedger(ctx context.Context, key generic.PeriodKey) (*RiceLedger, error)
	GetAmountLedger(ctx context.Context, key generic.PeriodKey) (*AmountLedger, error)
}

// Store handles persistence of schools, events and ledgers.
type Store interface {
	Reader

	SaveSchool(ctx context.Context, school School) error
	ListSchools(ctx context.Context) ([]School, error)

	GetEvent(ctx context.Context, id string) (*DailyEvent, error)
	// SaveEvent upserts by ID. Returns generic.ErrDuplicateEvent when another
	// event of the same school already uses the date.
	SaveEvent(ctx context.Context, event DailyEvent) error
	DeleteEvent(ctx context.Context, id string) error

	// ListRiceLedgers returns rows ordered by school, year, month, updated_at.
	// Duplicate rows for a key (drift) are all returned.
	ListRiceLedgers(ctx context.Context, filter LedgerFilter) ([]RiceLedger, error)
	// SaveRiceLedger upserts by ID.
	SaveRiceLedger(ctx context.Context, ledger RiceLedger) error
	DeleteRiceLedger(ctx context.Context, id string) error

	ListAmountLedgers(ctx context.Context, filter LedgerFilter) ([]AmountLedger, error)
	SaveAmountLedger(ctx context.Context, ledger AmountLedger) error
	DeleteAmountLedger(ctx context.Context, id string) error

	// LockPeriod takes the row lock for key's ledgers. Only meaningful inside WithTx.
	LockPeriod(ctx context.Context, key generic.PeriodKey) error

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Publisher receives change events after their write has committed.
type Publisher interface {
	Publish(ctx context.Context, event generic.ChangeEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, generic.ChangeEvent) error { return nil }
