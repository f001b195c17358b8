/*
monitor.go - Reports stale for longer than a threshold

PURPOSE:
  The regeneration job swallows failures, so a report can stay stale with
  nobody noticing. The monitor periodically counts reports stale for longer
  than Threshold, logs them at Warn, and (when Requeue is set) dispatches
  another regeneration request for each.

CONFIGURATION:
  - CheckInterval: How often to check (default: 5 minutes)
  - Threshold: Minimum staleness age to report (default: 15 minutes)

USAGE:
  monitor := NewStaleMonitor(store, logger)
  monitor.Start()
  // ... later
  monitor.Stop()
*/
package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
)

// StaleEntry is one report found stale for too long.
type StaleEntry struct {
	ID       generic.ReportID  `json:"id"`
	Key      generic.PeriodKey `json:"key"`
	Kind     Kind              `json:"kind"`
	Reason   string            `json:"reason"`
	StaleFor time.Duration     `json:"stale_for_ns"`
}

type StaleMonitor struct {
	Store         Store
	Clock         generic.Clock
	CheckInterval time.Duration
	Threshold     time.Duration

	// Requeue, when set, is called for each period found.
	Requeue func(ctx context.Context, key generic.PeriodKey) error

	logger logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	last    []StaleEntry
	lastRun time.Time
}

func NewStaleMonitor(store Store, logger logrus.FieldLogger) *StaleMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StaleMonitor{
		Store:         store,
		Clock:         generic.SystemClock{},
		CheckInterval: 5 * time.Minute,
		Threshold:     15 * time.Minute,
		logger:        logger.WithField("component", "report.monitor"),
	}
}

// Start begins the periodic check.
func (m *StaleMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	m.logger.Infof("[Monitor] Started with check interval: %v, threshold: %v", m.CheckInterval, m.Threshold)
}

// Stop stops the monitor.
func (m *StaleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.wg.Wait()
	m.ticker = nil
	m.logger.Info("[Monitor] Stopped")
}

func (m *StaleMonitor) run() {
	defer m.wg.Done()

	// Run immediately on start
	m.RunNow(context.Background())

	for {
		select {
		case <-m.ticker.C:
			m.RunNow(context.Background())
		case <-m.stop:
			return
		}
	}
}

// RunNow performs one check and returns what it found.
func (m *StaleMonitor) RunNow(ctx context.Context) []StaleEntry {
	found, err := m.Check(ctx)
	if err != nil {
		m.logger.WithError(err).Error("[Monitor] Error listing stale reports")
		return nil
	}
	m.lastMu.Lock()
	m.last = found
	m.lastRun = m.Clock.Now()
	m.lastMu.Unlock()

	if len(found) == 0 {
		return found
	}
	m.logger.WithField("count", len(found)).Warn("[Monitor] Reports stale longer than threshold")

	if m.Requeue != nil {
		requeued := map[generic.PeriodKey]bool{}
		for _, e := range found {
			if requeued[e.Key] {
				continue
			}
			requeued[e.Key] = true
			if err := m.Requeue(ctx, e.Key); err != nil {
				m.logger.WithError(err).WithField("period", e.Key.String()).Error("[Monitor] Requeue failed")
			}
		}
	}
	return found
}

// Check lists reports stale for at least Threshold without side effects.
func (m *StaleMonitor) Check(ctx context.Context) ([]StaleEntry, error) {
	return ListStale(ctx, m.Store, m.Clock.Now(), m.Threshold)
}

// ListStale returns the reports that have been stale for at least olderThan
// at now, oldest first.
func ListStale(ctx context.Context, store Store, now time.Time, olderThan time.Duration) ([]StaleEntry, error) {
	reports, err := store.ListReports(ctx, Filter{StaleOnly: true})
	if err != nil {
		return nil, err
	}
	var found []StaleEntry
	for _, r := range reports {
		age := r.StaleFor(now)
		if age < olderThan {
			continue
		}
		found = append(found, StaleEntry{ID: r.ID, Key: r.Key(), Kind: r.Kind, Reason: r.StaleReason, StaleFor: age})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].StaleFor > found[j].StaleFor })
	return found, nil
}

// Last returns the result of the most recent check.
func (m *StaleMonitor) Last() ([]StaleEntry, time.Time) {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	return append([]StaleEntry(nil), m.last...), m.lastRun
}
