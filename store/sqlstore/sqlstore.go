/*
Package sqlstore provides a database/sql implementation of the storage interfaces.

PURPOSE:
  Implements meal.Store and report.Store on SQLite (mattn/go-sqlite3) or
  PostgreSQL (lib/pq). Both dialects share one schema and one set of queries;
  placeholders are written as ? and rebound to $n for PostgreSQL.

INTERFACES IMPLEMENTED:
  meal.Store:   Schools, daily events, rice and amount ledgers
  report.Store: Generated reports

KEY TABLES:
  schools:        Owners of everything else
  daily_events:   One row per (school, date)
  rice_ledgers:   One row per (school, year, month)
  amount_ledgers: One row per (school, year, month), rates stored as JSON
  reports:        One row per (school, kind, year, month), snapshot as JSON

INDEXES:
  - idx_daily_events_school_date: Enforces one event per school-day
  - idx_rice_ledgers_period / idx_amount_ledgers_period: Period uniqueness
  - idx_reports_period_kind: One report per period and kind
  - idx_reports_stale: Stale listing for the monitor

NUMBERS AND TIMES:
  Decimals are stored as TEXT to keep exact values across both dialects.
  Timestamps are TEXT in a fixed-width UTC layout so ORDER BY updated_at is
  chronological.

CONCURRENCY:
  SQLite: opened with _txlock=immediate and a single connection, so every
  transaction holds the write lock from BEGIN. LockPeriod is a no-op.
  PostgreSQL: LockPeriod takes a transaction-scoped advisory lock on the
  period plus FOR UPDATE on its ledger rows.

USAGE:
  store, err := sqlstore.New("./data/meals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := meal.NewService(store, publisher, logger)

MIGRATION:
  Schema is auto-migrated on Open(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - meal/store.go: Ledger store interface
  - report/store.go: Report store interface
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/report"
)

// Dialect is the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements meal.Store and report.Store.
type Store struct {
	*conn
}

// conn runs queries against the database or an open transaction. db is nil
// inside a transaction.
type conn struct {
	q       querier
	db      *sql.DB
	dialect Dialect
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a SQLite store at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(SQLite, dbPath)
}

// Open connects with the given dialect and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case SQLite:
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	case Postgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// One connection: :memory: databases are per connection, and
		// writers are serialized anyway.
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: &conn{q: db, db: db, dialect: dialect}}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_events (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id),
		date TEXT NOT NULL,
		served_primary INTEGER NOT NULL DEFAULT 0,
		served_middle INTEGER NOT NULL DEFAULT 0,
		remarks TEXT,
		rice_consumed TEXT NOT NULL DEFAULT '0',
		rice_balance_after TEXT NOT NULL DEFAULT '0',
		amount_consumed TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_events_school_date
		ON daily_events(school_id, date);

	CREATE TABLE IF NOT EXISTS rice_ledgers (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id),
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		opening_primary TEXT NOT NULL,
		opening_middle TEXT NOT NULL,
		lifted_primary TEXT NOT NULL,
		lifted_middle TEXT NOT NULL,
		arranged_primary TEXT NOT NULL,
		arranged_middle TEXT NOT NULL,
		daily_rate_primary TEXT NOT NULL,
		daily_rate_middle TEXT NOT NULL,
		consumed_primary TEXT NOT NULL,
		consumed_middle TEXT NOT NULL,
		closing_primary TEXT NOT NULL,
		closing_middle TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rice_ledgers_period
		ON rice_ledgers(school_id, year, month);

	CREATE TABLE IF NOT EXISTS amount_ledgers (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id),
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		opening_primary TEXT NOT NULL,
		opening_middle TEXT NOT NULL,
		received_primary TEXT NOT NULL,
		received_middle TEXT NOT NULL,
		primary_rates_json TEXT NOT NULL,
		middle_rates_json TEXT NOT NULL,
		salt_json TEXT NOT NULL,
		primary_totals_json TEXT NOT NULL,
		middle_totals_json TEXT NOT NULL,
		salt_breakdown_json TEXT NOT NULL,
		consumed_primary TEXT NOT NULL,
		consumed_middle TEXT NOT NULL,
		closing_primary TEXT NOT NULL,
		closing_middle TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_amount_ledgers_period
		ON amount_ledgers(school_id, year, month);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		is_stale BOOLEAN NOT NULL DEFAULT FALSE,
		stale_reason TEXT,
		stale_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_period_kind
		ON reports(school_id, kind, year, month);
	CREATE INDEX IF NOT EXISTS idx_reports_stale
		ON reports(is_stale, stale_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// QUERY PLUMBING
// =============================================================================

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	return err
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// atomic runs fn in a transaction, or joins the current one.
func (c *conn) atomic(ctx context.Context, fn func(*conn) error) error {
	if c.db == nil {
		return fn(c)
	}
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, dialect: c.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// WithTx executes fn within a database transaction. Nested calls join the
// outer transaction.
func (c *conn) WithTx(ctx context.Context, fn func(meal.Store) error) error {
	return c.atomic(ctx, func(tx *conn) error { return fn(tx) })
}

// LockPeriod serializes writers of one period. See CONCURRENCY above.
func (c *conn) LockPeriod(ctx context.Context, key generic.PeriodKey) error {
	if c.dialect != Postgres || c.db != nil {
		return nil
	}
	if err := c.exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(?))`, key.String()); err != nil {
		return fmt.Errorf("lock period %s: %w", key, err)
	}
	for _, table := range []string{"rice_ledgers", "amount_ledgers"} {
		rows, err := c.query(ctx, `SELECT id FROM `+table+` WHERE school_id = ? AND year = ? AND month = ? FOR UPDATE`,
			key.SchoolID, key.Year, key.Month)
		if err != nil {
			return fmt.Errorf("lock period %s: %w", key, err)
		}
		rows.Close()
	}
	return nil
}

// =============================================================================
// SCHOOLS
// =============================================================================

func (c *conn) SaveSchool(ctx context.Context, school meal.School) error {
	if school.CreatedAt.IsZero() {
		school.CreatedAt = time.Now().UTC()
	}
	err := c.exec(ctx, `
		INSERT INTO schools (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, school.ID, school.Name, formatTime(school.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save school: %w", err)
	}
	return nil
}

func (c *conn) GetSchool(ctx context.Context, id generic.SchoolID) (*meal.School, error) {
	var (
		school    meal.School
		createdAt string
	)
	err := c.queryRow(ctx, `SELECT id, name, created_at FROM schools WHERE id = ?`, id).
		Scan(&school.ID, &school.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get school: %w", err)
	}
	var d decoder
	school.CreatedAt = d.time(createdAt)
	return &school, d.err
}

func (c *conn) ListSchools(ctx context.Context) ([]meal.School, error) {
	rows, err := c.query(ctx, `SELECT id, name, created_at FROM schools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schools: %w", err)
	}
	defer rows.Close()

	var schools []meal.School
	for rows.Next() {
		var (
			school    meal.School
			createdAt string
			d         decoder
		)
		if err := rows.Scan(&school.ID, &school.Name, &createdAt); err != nil {
			return nil, err
		}
		school.CreatedAt = d.time(createdAt)
		if d.err != nil {
			return nil, d.err
		}
		schools = append(schools, school)
	}
	return schools, rows.Err()
}

// =============================================================================
// DAILY EVENTS
// =============================================================================

const eventColumns = `id, school_id, date, served_primary, served_middle, remarks,
	rice_consumed, rice_balance_after, amount_consumed, created_at, updated_at`

func (c *conn) GetEvent(ctx context.Context, id string) (*meal.DailyEvent, error) {
	events, err := c.queryEvents(ctx, `SELECT `+eventColumns+` FROM daily_events WHERE id = ?`, id)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (c *conn) ListEvents(ctx context.Context, key generic.PeriodKey) ([]meal.DailyEvent, error) {
	return c.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM daily_events
		WHERE school_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, created_at ASC
	`, key.SchoolID, key.Start().String(), key.End().String())
}

func (c *conn) SaveEvent(ctx context.Context, e meal.DailyEvent) error {
	err := c.exec(ctx, `
		INSERT INTO daily_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			served_primary = excluded.served_primary,
			served_middle = excluded.served_middle,
			remarks = excluded.remarks,
			rice_consumed = excluded.rice_consumed,
			rice_balance_after = excluded.rice_balance_after,
			amount_consumed = excluded.amount_consumed,
			updated_at = excluded.updated_at
	`,
		e.ID, e.SchoolID, e.Date.String(), e.ServedPrimary, e.ServedMiddle, nullString(e.Remarks),
		e.RiceConsumed.String(), e.RiceBalanceAfter.String(), e.AmountConsumed.String(),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateEvent, e.Date)
		}
		return fmt.Errorf("failed to save daily event: %w", err)
	}
	return nil
}

func (c *conn) DeleteEvent(ctx context.Context, id string) error {
	if err := c.exec(ctx, `DELETE FROM daily_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete daily event: %w", err)
	}
	return nil
}

func (c *conn) queryEvents(ctx context.Context, query string, args ...any) ([]meal.DailyEvent, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily events: %w", err)
	}
	defer rows.Close()

	var events []meal.DailyEvent
	for rows.Next() {
		var (
			e                                  meal.DailyEvent
			date, riceUsed, riceAfter, amtUsed string
			createdAt, updatedAt               string
			remarks                            sql.NullString
			d                                  decoder
		)
		if err := rows.Scan(&e.ID, &e.SchoolID, &date, &e.ServedPrimary, &e.ServedMiddle, &remarks,
			&riceUsed, &riceAfter, &amtUsed, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily event: %w", err)
		}
		e.Date = d.date(date)
		e.Remarks = remarks.String
		e.RiceConsumed = d.dec(riceUsed)
		e.RiceBalanceAfter = d.dec(riceAfter)
		e.AmountConsumed = d.dec(amtUsed)
		e.CreatedAt = d.time(createdAt)
		e.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, d.err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// LEDGERS
// =============================================================================

func filterClause(f meal.LedgerFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.SchoolID != "" {
		where = append(where, "school_id = ?")
		args = append(args, f.SchoolID)
	}
	if f.Year != 0 {
		where = append(where, "year = ?")
		args = append(args, f.Year)
	}
	if f.Month != 0 {
		where = append(where, "month = ?")
		args = append(args, f.Month)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

const riceColumns = `id, school_id, year, month,
	opening_primary, opening_middle, lifted_primary, lifted_middle,
	arranged_primary, arranged_middle, daily_rate_primary, daily_rate_middle,
	consumed_primary, consumed_middle, closing_primary, closing_middle,
	created_at, updated_at`

func (c *conn) GetRiceLedger(ctx context.Context, key generic.PeriodKey) (*meal.RiceLedger, error) {
	rows, err := c.queryRice(ctx, `
		SELECT `+riceColumns+` FROM rice_ledgers
		WHERE school_id = ? AND year = ? AND month = ?
		ORDER BY updated_at DESC LIMIT 1
	`, key.SchoolID, key.Year, key.Month)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (c *conn) ListRiceLedgers(ctx context.Context, filter meal.LedgerFilter) ([]meal.RiceLedger, error) {
	where, args := filterClause(filter)
	return c.queryRice(ctx, `SELECT `+riceColumns+` FROM rice_ledgers`+where+
		` ORDER BY school_id, year, month, updated_at`, args...)
}

func (c *conn) SaveRiceLedger(ctx context.Context, l meal.RiceLedger) error {
	err := c.exec(ctx, `
		INSERT INTO rice_ledgers (`+riceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			opening_primary = excluded.opening_primary,
			opening_middle = excluded.opening_middle,
			lifted_primary = excluded.lifted_primary,
			lifted_middle = excluded.lifted_middle,
			arranged_primary = excluded.arranged_primary,
			arranged_middle = excluded.arranged_middle,
			daily_rate_primary = excluded.daily_rate_primary,
			daily_rate_middle = excluded.daily_rate_middle,
			consumed_primary = excluded.consumed_primary,
			consumed_middle = excluded.consumed_middle,
			closing_primary = excluded.closing_primary,
			closing_middle = excluded.closing_middle,
			updated_at = excluded.updated_at
	`,
		l.ID, l.SchoolID, l.Year, l.Month,
		l.Opening.Primary.String(), l.Opening.Middle.String(),
		l.Lifted.Primary.String(), l.Lifted.Middle.String(),
		l.Arranged.Primary.String(), l.Arranged.Middle.String(),
		l.DailyRate.Primary.String(), l.DailyRate.Middle.String(),
		l.Consumed.Primary.String(), l.Consumed.Middle.String(),
		l.Closing.Primary.String(), l.Closing.Middle.String(),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: rice ledger already exists for %s", generic.ErrConcurrentModification, l.Key())
		}
		return fmt.Errorf("failed to save rice ledger: %w", err)
	}
	return nil
}

func (c *conn) DeleteRiceLedger(ctx context.Context, id string) error {
	if err := c.exec(ctx, `DELETE FROM rice_ledgers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rice ledger: %w", err)
	}
	return nil
}

func (c *conn) queryRice(ctx context.Context, query string, args ...any) ([]meal.RiceLedger, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rice ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []meal.RiceLedger
	for rows.Next() {
		var (
			l                    meal.RiceLedger
			v                    [12]string
			createdAt, updatedAt string
			d                    decoder
		)
		if err := rows.Scan(&l.ID, &l.SchoolID, &l.Year, &l.Month,
			&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8], &v[9], &v[10], &v[11],
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rice ledger: %w", err)
		}
		l.Opening = d.pair(v[0], v[1])
		l.Lifted = d.pair(v[2], v[3])
		l.Arranged = d.pair(v[4], v[5])
		l.DailyRate = d.pair(v[6], v[7])
		l.Consumed = d.pair(v[8], v[9])
		l.Closing = d.pair(v[10], v[11])
		l.CreatedAt = d.time(createdAt)
		l.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, d.err
		}
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

const amountColumns = `id, school_id, year, month,
	opening_primary, opening_middle, received_primary, received_middle,
	primary_rates_json, middle_rates_json, salt_json,
	primary_totals_json, middle_totals_json, salt_breakdown_json,
	consumed_primary, consumed_middle, closing_primary, closing_middle,
	created_at, updated_at`

func (c *conn) GetAmountLedger(ctx context.Context, key generic.PeriodKey) (*meal.AmountLedger, error) {
	rows, err := c.queryAmount(ctx, `
		SELECT `+amountColumns+` FROM amount_ledgers
		WHERE school_id = ? AND year = ? AND month = ?
		ORDER BY updated_at DESC LIMIT 1
	`, key.SchoolID, key.Year, key.Month)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (c *conn) ListAmountLedgers(ctx context.Context, filter meal.LedgerFilter) ([]meal.AmountLedger, error) {
	where, args := filterClause(filter)
	return c.queryAmount(ctx, `SELECT `+amountColumns+` FROM amount_ledgers`+where+
		` ORDER BY school_id, year, month, updated_at`, args...)
}

func (c *conn) SaveAmountLedger(ctx context.Context, l meal.AmountLedger) error {
	blobs, err := marshalAll(l.PrimaryRates, l.MiddleRates, l.Salt, l.PrimaryTotals, l.MiddleTotals, l.SaltBreakdown)
	if err != nil {
		return fmt.Errorf("failed to encode amount ledger: %w", err)
	}
	err = c.exec(ctx, `
		INSERT INTO amount_ledgers (`+amountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			opening_primary = excluded.opening_primary,
			opening_middle = excluded.opening_middle,
			received_primary = excluded.received_primary,
			received_middle = excluded.received_middle,
			primary_rates_json = excluded.primary_rates_json,
			middle_rates_json = excluded.middle_rates_json,
			salt_json = excluded.salt_json,
			primary_totals_json = excluded.primary_totals_json,
			middle_totals_json = excluded.middle_totals_json,
			salt_breakdown_json = excluded.salt_breakdown_json,
			consumed_primary = excluded.consumed_primary,
			consumed_middle = excluded.consumed_middle,
			closing_primary = excluded.closing_primary,
			closing_middle = excluded.closing_middle,
			updated_at = excluded.updated_at
	`,
		l.ID, l.SchoolID, l.Year, l.Month,
		l.Opening.Primary.String(), l.Opening.Middle.String(),
		l.Received.Primary.String(), l.Received.Middle.String(),
		blobs[0], blobs[1], blobs[2], blobs[3], blobs[4], blobs[5],
		l.Consumed.Primary.String(), l.Consumed.Middle.String(),
		l.Closing.Primary.String(), l.Closing.Middle.String(),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: amount ledger already exists for %s", generic.ErrConcurrentModification, l.Key())
		}
		return fmt.Errorf("failed to save amount ledger: %w", err)
	}
	return nil
}

func (c *conn) DeleteAmountLedger(ctx context.Context, id string) error {
	if err := c.exec(ctx, `DELETE FROM amount_ledgers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete amount ledger: %w", err)
	}
	return nil
}

func (c *conn) queryAmount(ctx context.Context, query string, args ...any) ([]meal.AmountLedger, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query amount ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []meal.AmountLedger
	for rows.Next() {
		var (
			l                    meal.AmountLedger
			v                    [8]string
			j                    [6]string
			createdAt, updatedAt string
			d                    decoder
		)
		if err := rows.Scan(&l.ID, &l.SchoolID, &l.Year, &l.Month,
			&v[0], &v[1], &v[2], &v[3],
			&j[0], &j[1], &j[2], &j[3], &j[4], &j[5],
			&v[4], &v[5], &v[6], &v[7],
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan amount ledger: %w", err)
		}
		l.Opening = d.pair(v[0], v[1])
		l.Received = d.pair(v[2], v[3])
		d.json(j[0], &l.PrimaryRates)
		d.json(j[1], &l.MiddleRates)
		d.json(j[2], &l.Salt)
		d.json(j[3], &l.PrimaryTotals)
		d.json(j[4], &l.MiddleTotals)
		d.json(j[5], &l.SaltBreakdown)
		l.Consumed = d.pair(v[4], v[5])
		l.Closing = d.pair(v[6], v[7])
		l.CreatedAt = d.time(createdAt)
		l.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, d.err
		}
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

// =============================================================================
// REPORTS
// =============================================================================

const reportColumns = `id, school_id, kind, year, month, data_json, generated_at,
	is_stale, stale_reason, stale_at`

func (c *conn) GetReport(ctx context.Context, key generic.PeriodKey, kind report.Kind) (*report.Report, error) {
	reports, err := c.queryReports(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE school_id = ? AND kind = ? AND year = ? AND month = ?
	`, key.SchoolID, kind, key.Year, key.Month)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

func (c *conn) GetReportByID(ctx context.Context, id generic.ReportID) (*report.Report, error) {
	reports, err := c.queryReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

func (c *conn) ListReports(ctx context.Context, filter report.Filter) ([]report.Report, error) {
	var (
		where []string
		args  []any
	)
	if filter.SchoolID != "" {
		where = append(where, "school_id = ?")
		args = append(args, filter.SchoolID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.StaleOnly {
		where = append(where, "is_stale = ?")
		args = append(args, true)
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return c.queryReports(ctx, query+` ORDER BY school_id, year, month, kind`, args...)
}

func (c *conn) SaveReport(ctx context.Context, r report.Report) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	err = c.exec(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data_json = excluded.data_json,
			generated_at = excluded.generated_at,
			is_stale = excluded.is_stale,
			stale_reason = excluded.stale_reason,
			stale_at = excluded.stale_at
	`,
		r.ID, r.SchoolID, r.Kind, r.Year, r.Month, string(data), formatTime(r.GeneratedAt),
		r.IsStale, nullString(r.StaleReason), nullTime(r.StaleAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", generic.ErrReportAlreadyExists, r.Kind, r.Key())
		}
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (c *conn) ReplaceReport(ctx context.Context, r report.Report) error {
	return c.atomic(ctx, func(tx *conn) error {
		if err := tx.exec(ctx, `DELETE FROM reports WHERE school_id = ? AND kind = ? AND year = ? AND month = ?`,
			r.SchoolID, r.Kind, r.Year, r.Month); err != nil {
			return fmt.Errorf("failed to replace report: %w", err)
		}
		return tx.SaveReport(ctx, r)
	})
}

func (c *conn) DeleteReport(ctx context.Context, id generic.ReportID) error {
	if err := c.exec(ctx, `DELETE FROM reports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}

func (c *conn) queryReports(ctx context.Context, query string, args ...any) ([]report.Report, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []report.Report
	for rows.Next() {
		var (
			r                    report.Report
			data, generatedAt    string
			staleReason, staleAt sql.NullString
			d                    decoder
		)
		if err := rows.Scan(&r.ID, &r.SchoolID, &r.Kind, &r.Year, &r.Month, &data, &generatedAt,
			&r.IsStale, &staleReason, &staleAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		d.json(data, &r.Data)
		r.GeneratedAt = d.time(generatedAt)
		r.StaleReason = staleReason.String
		if staleAt.Valid {
			t := d.time(staleAt.String)
			r.StaleAt = &t
		}
		if d.err != nil {
			return nil, d.err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Helper functions

// decoder keeps the first conversion error of a row.
type decoder struct {
	err error
}

func (d *decoder) dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return v
}

func (d *decoder) pair(primary, middle string) generic.SectionValues {
	return generic.SectionValues{Primary: d.dec(primary), Middle: d.dec(middle)}
}

func (d *decoder) time(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t
}

func (d *decoder) date(s string) generic.TimePoint {
	tp, err := generic.ParseDate(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid date %q: %w", s, err)
	}
	return tp
}

func (d *decoder) json(s string, v any) {
	if err := json.Unmarshal([]byte(s), v); err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid json column: %w", err)
	}
}

func marshalAll(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface checks.
var (
	_ meal.Store   = (*Store)(nil)
	_ report.Store = (*Store)(nil)
)
