package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
)

// newPostgresStore connects to MEAL_TEST_POSTGRES_DSN under a fresh school ID.
func newPostgresStore(t *testing.T) (*Store, generic.SchoolID) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	dsn := os.Getenv("MEAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEAL_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(Postgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	school := generic.SchoolID("it-" + uuid.NewString())
	require.NoError(t, s.SaveSchool(context.Background(), meal.School{ID: school, Name: "Integration", CreatedAt: t0}))
	return s, school
}

func TestPostgres_LockPeriodBlocksSecondWriter(t *testing.T) {
	// GIVEN: A June rice ledger on Postgres
	// WHEN: One transaction holds June's lock while a second asks for it
	// THEN: The second waits for the first to commit and then reads its write

	s, school := newPostgresStore(t)
	ctx := context.Background()
	june := generic.NewPeriodKey(school, 2025, 6)
	require.NoError(t, s.SaveRiceLedger(ctx, meal.RiceLedger{
		ID: uuid.NewString(), SchoolID: school, Year: 2025, Month: 6,
		Opening: d("100"), Closing: d("100"), CreatedAt: t0, UpdatedAt: t0,
	}))

	held := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.WithTx(ctx, func(tx meal.Store) error {
			if err := tx.LockPeriod(ctx, june); err != nil {
				return err
			}
			close(held)
			<-release
			row, err := tx.GetRiceLedger(ctx, june)
			if err != nil {
				return err
			}
			row.Lifted = d("50")
			row.UpdatedAt = t0.Add(time.Minute)
			return tx.SaveRiceLedger(ctx, *row)
		})
	}()
	<-held

	acquired := make(chan struct{})
	secondDone := make(chan error, 1)
	var seen meal.RiceLedger
	go func() {
		secondDone <- s.WithTx(ctx, func(tx meal.Store) error {
			if err := tx.LockPeriod(ctx, june); err != nil {
				return err
			}
			close(acquired)
			row, err := tx.GetRiceLedger(ctx, june)
			if err != nil {
				return err
			}
			seen = *row
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction got the period lock while the first held it")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.Equal(t, "50.00", seen.Lifted.Primary.StringFixed(2))
}

func TestPostgres_LockPeriodIsNoOpOutsideTx(t *testing.T) {
	s, school := newPostgresStore(t)
	assert.NoError(t, s.LockPeriod(context.Background(), generic.NewPeriodKey(school, 2025, 6)))
}
