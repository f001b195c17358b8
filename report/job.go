/*
job.go - RegenerateJob: rebuilds the existing reports of one period

PURPOSE:
  Consumes regeneration requests (school, year, month). For each report kind:

    report exists    -> build a fresh snapshot, atomically replace the row
    no report        -> nothing (this job refreshes, it never creates)

CRITICAL INVARIANTS:
  1. IDEMPOTENT: running twice on unchanged inputs leaves one row per kind
     with the same fields as a single run. Report IDs are derived from
     (key, kind), and ReplaceReport swaps the row atomically.
  2. NEVER CREATES: a period with no report of a kind gets none.
  3. FRESH ONLY ON SUCCESS: a report leaves the Stale state only when its
     replacement was written. A failed rebuild leaves (or puts) it Stale.
  4. NEVER RETHROWS: failures are logged and swallowed. The one exception is
     lock contention, which asks the queue to redeliver because the other
     holder may have read inputs older than the write that queued us.

FAILURE POLICY:
  - school gone: log at Warn, return success (not retryable)
  - client errors (no events, missing configuration): no retry
  - anything else: retried with exponential backoff up to MaxAttempts

SEE ALSO:
  - generator.go: Build
  - queue/worker.go: Runs Handle
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/lock"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
)

// ErrBusy is returned by Handle when another worker holds the period lock.
var ErrBusy = errors.New("period is being regenerated elsewhere")

type RegenerateJob struct {
	Schools   meal.Reader
	Reports   Store
	Generator *Generator
	Stale     *StaleService
	Locker    lock.Locker
	Logger    logrus.FieldLogger

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LockTTL        time.Duration

	// Sleep waits between attempts. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRegenerateJob(schools meal.Reader, reports Store, gen *Generator, stale *StaleService, locker lock.Locker, logger logrus.FieldLogger) *RegenerateJob {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RegenerateJob{
		Schools:        schools,
		Reports:        reports,
		Generator:      gen,
		Stale:          stale,
		Locker:         locker,
		Logger:         logger.WithField("component", "report.regenerate"),
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		LockTTL:        2 * time.Minute,
		Sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result describes one run.
type Result struct {
	Key           generic.PeriodKey
	SchoolMissing bool
	Busy          bool
	Regenerated   []Kind
	Skipped       []Kind
	Failed        map[Kind]error
}

// Handle adapts Run to a queue.Handler.
func (j *RegenerateJob) Handle(ctx context.Context, req queue.Request) error {
	res := j.Run(ctx, req.Key())
	if res.Busy {
		return ErrBusy
	}
	return nil
}

// Run regenerates every existing report of key.
func (j *RegenerateJob) Run(ctx context.Context, key generic.PeriodKey) Result {
	res := Result{Key: key, Failed: map[Kind]error{}}
	log := j.Logger.WithField("period", key.String())

	if err := key.Validate(); err != nil {
		log.WithError(err).Error("invalid regeneration request")
		return res
	}
	school, err := j.Schools.GetSchool(ctx, key.SchoolID)
	if err != nil {
		log.WithError(err).Error("load school")
		return res
	}
	if school == nil {
		log.Warn("school no longer exists, skipping regeneration")
		res.SchoolMissing = true
		return res
	}

	held, err := j.acquire(ctx, key)
	if err != nil {
		log.WithError(err).Warn("could not lock period")
		res.Busy = errors.Is(err, lock.ErrNotAcquired)
		return res
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("release period lock")
		}
	}()

	for _, kind := range Kinds {
		done, err := j.withRetry(ctx, func() (bool, error) { return j.regenerate(ctx, key, kind) })
		switch {
		case err != nil:
			res.Failed[kind] = err
			j.fail(ctx, key, kind, err)
		case done:
			res.Regenerated = append(res.Regenerated, kind)
		default:
			res.Skipped = append(res.Skipped, kind)
		}
	}
	if len(res.Regenerated) > 0 {
		log.WithField("kinds", res.Regenerated).Info("reports regenerated")
	}
	return res
}

func (j *RegenerateJob) acquire(ctx context.Context, key generic.PeriodKey) (lock.Lock, error) {
	var held lock.Lock
	_, err := j.withRetry(ctx, func() (bool, error) {
		l, err := j.Locker.Acquire(ctx, "regenerate:"+key.String(), j.LockTTL)
		if err != nil {
			return false, err
		}
		held = l
		return true, nil
	})
	return held, err
}

// regenerate returns false when there is no report of kind to refresh.
func (j *RegenerateJob) regenerate(ctx context.Context, key generic.PeriodKey, kind Kind) (bool, error) {
	existing, err := j.Reports.GetReport(ctx, key, kind)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	fresh, err := j.Generator.Build(ctx, key, kind)
	if err != nil {
		return false, err
	}
	if err := j.Reports.ReplaceReport(ctx, fresh); err != nil {
		return false, err
	}
	return true, nil
}

func (j *RegenerateJob) withRetry(ctx context.Context, fn func() (bool, error)) (bool, error) {
	attempts := j.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := j.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := fn()
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !generic.IsRetryable(err) || attempt == attempts {
			break
		}
		if err := j.Sleep(ctx, backoff); err != nil {
			return false, lastErr
		}
		backoff *= 2
		if j.MaxBackoff > 0 && backoff > j.MaxBackoff {
			backoff = j.MaxBackoff
		}
	}
	return false, lastErr
}

// fail logs the error and makes sure the report is left Stale.
func (j *RegenerateJob) fail(ctx context.Context, key generic.PeriodKey, kind Kind, cause error) {
	log := j.Logger.WithFields(logrus.Fields{"period": key.String(), "kind": kind})
	log.WithError(cause).Error("report regeneration failed, report left stale")

	r, err := j.Reports.GetReport(ctx, key, kind)
	if err != nil || r == nil || r.IsStale || j.Stale == nil {
		return
	}
	if _, err := j.Stale.MarkStale(ctx, *r, fmt.Sprintf("regeneration failed: %v", cause)); err != nil {
		log.WithError(err).Error("mark stale after failed regeneration")
	}
}
