/*
Package queue carries report regeneration requests from the write path to
the worker pool.

PURPOSE:
  A request names one period: (school, year, month). Delivery is
  at-least-once with no ordering guarantee between requests: a consumer may
  see a request twice, or two requests for the same period in either order.
  The regeneration job is idempotent, which is what makes that acceptable.

BACKENDS:
  Memory:  in-process, for tests and single-binary deployments
  Redis:   list + processing list (github.com/redis/go-redis/v9)
  NATS:    JetStream work-queue stream (github.com/nats-io/nats.go)
  PubSub:  Google Cloud Pub/Sub topic + subscription

REDELIVERY:
  A handler error hands the request back to the backend for redelivery.
  Handlers that want "log and drop" semantics return nil.

SEE ALSO:
  - worker.go: WorkerPool running Consume loops
  - report/job.go: The handler
*/
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/meal-ledger/generic"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Request asks for the reports of one period to be regenerated.
type Request struct {
	SchoolID generic.SchoolID `json:"school_id"`
	Year     int              `json:"year"`
	Month    int              `json:"month"`
	Reason   string           `json:"reason,omitempty"`

	// Attempt counts deliveries, starting at 1. Set by the backend.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewRequest(key generic.PeriodKey, reason string) Request {
	return Request{SchoolID: key.SchoolID, Year: key.Year, Month: key.Month, Reason: reason}
}

func (r Request) Key() generic.PeriodKey {
	return generic.NewPeriodKey(r.SchoolID, r.Year, r.Month)
}

// Handler processes one request. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, req Request) error

// Queue is a durable at-least-once request queue.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error

	// Consume delivers requests to handler one at a time until ctx is done.
	// Several goroutines may call Consume on the same Queue.
	Consume(ctx context.Context, handler Handler) error

	Close() error
}

func encode(req Request) ([]byte, error) {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
