package report

import (
	"context"

	"github.com/warp/meal-ledger/generic"
)

// Store persists reports. Get* return (nil, nil) when nothing matches.
type Store interface {
	GetReport(ctx context.Context, key generic.PeriodKey, kind Kind) (*Report, error)
	GetReportByID(ctx context.Context, id generic.ReportID) (*Report, error)

	// ListReports returns reports ordered by school, year, month, kind.
	ListReports(ctx context.Context, filter Filter) ([]Report, error)

	// SaveReport upserts by ID.
	SaveReport(ctx context.Context, r Report) error

	// ReplaceReport deletes whatever report exists for r's (key, kind) and
	// inserts r, atomically. Readers never observe the gap.
	ReplaceReport(ctx context.Context, r Report) error

	DeleteReport(ctx context.Context, id generic.ReportID) error
}
