package report

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
)

// =============================================================================
// STALE SERVICE - Fresh -> Stale transitions
// =============================================================================

// StaleService marks reports stale. It never creates or deletes reports.
type StaleService struct {
	Store  Store
	Clock  generic.Clock
	Logger logrus.FieldLogger
}

func NewStaleService(store Store, clock generic.Clock, logger logrus.FieldLogger) *StaleService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StaleService{Store: store, Clock: clock, Logger: logger.WithField("component", "report.stale")}
}

// MarkStale flags r stale with reason. Calling it on an already stale report
// refreshes the reason and time on the same row.
func (s *StaleService) MarkStale(ctx context.Context, r Report, reason string) (Report, error) {
	r = r.WithState(Stale{Reason: reason, Since: s.Clock.Now()})
	if err := s.Store.SaveReport(ctx, r); err != nil {
		return Report{}, fmt.Errorf("mark report %s stale: %w", r.ID, err)
	}
	s.Logger.WithFields(logrus.Fields{
		"report_id": r.ID,
		"kind":      r.Kind,
		"period":    r.Key().String(),
		"reason":    reason,
	}).Debug("report marked stale")
	return r, nil
}

// MarkStaleFor marks the (key, kind) report stale if one exists.
// Returns false when there is no report.
func (s *StaleService) MarkStaleFor(ctx context.Context, key generic.PeriodKey, kind Kind, reason string) (bool, error) {
	r, err := s.Store.GetReport(ctx, key, kind)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	if _, err := s.MarkStale(ctx, *r, reason); err != nil {
		return false, err
	}
	return true, nil
}

// MarkFutureStale marks every report of kind for the school whose period is
// strictly later than (afterYear, afterMonth) as one composite key. Earlier
// and equal periods are never touched. Returns the keys it marked.
func (s *StaleService) MarkFutureStale(ctx context.Context, schoolID generic.SchoolID, afterYear, afterMonth int, reason string, kind Kind) ([]generic.PeriodKey, error) {
	reports, err := s.Store.ListReports(ctx, Filter{SchoolID: schoolID, Kind: kind})
	if err != nil {
		return nil, err
	}
	var marked []generic.PeriodKey
	for _, r := range reports {
		if !r.Key().After(afterYear, afterMonth) {
			continue
		}
		if _, err := s.MarkStale(ctx, r, reason); err != nil {
			return marked, err
		}
		marked = append(marked, r.Key())
	}
	return marked, nil
}
