/*
Package app wires the ledger, the report pipeline and their backends from a
config.Config. Both binaries (server and ledgerctl) build one App.

WIRING:
  store (sqlite | postgres)
    -> meal.Service --publish--> events bus --> events.Processor
                                                   |  mark stale
                                                   v
                                                queue (memory | redis | nats | pubsub)
                                                   |
                                  queue.WorkerPool -> report.RegenerateJob

  The lock is Redis (redislock) when REDIS_ADDR is set, local otherwise.

SEE ALSO:
  - cmd/server/main.go: Starts the bus, workers and monitor
  - cmd/ledgerctl/main.go: Runs repair commands and drains the memory queue
*/
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/config"
	"github.com/warp/meal-ledger/events"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/lock"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
	"github.com/warp/meal-ledger/store/sqlstore"
)

// Store is what the app needs from persistence.
type Store interface {
	meal.Store
	report.Store
}

type App struct {
	Config config.Config
	Logger logrus.FieldLogger

	Store     Store
	Ledger    *meal.Service
	Repair    *meal.Repair
	Stale     *report.StaleService
	Generator *report.Generator
	Job       *report.RegenerateJob
	Monitor   *report.StaleMonitor
	Queue     queue.Queue
	Processor *events.Processor

	closers []func() error
}

// Bus is the publisher side of the change-event bus.
type Bus interface {
	meal.Publisher
	Subscribe(h events.Handler)
}

// New builds an App around an already opened store and queue. bus receives
// the processor as a subscriber and becomes the ledger's publisher.
func New(cfg config.Config, logger logrus.FieldLogger, store Store, q queue.Queue, locker lock.Locker, bus Bus) *App {
	clock := generic.SystemClock{}

	stale := report.NewStaleService(store, clock, logger)
	processor := events.NewProcessor(stale, q, logger)
	bus.Subscribe(processor.Handle)

	ledger := meal.NewService(store, bus, logger)
	ledger.CascadeForward = cfg.CascadeForward

	gen := report.NewGenerator(store, store, clock)
	job := report.NewRegenerateJob(store, store, gen, stale, locker, logger)
	if cfg.JobMaxAttempts > 0 {
		job.MaxAttempts = cfg.JobMaxAttempts
	}
	if cfg.JobInitialBackoff > 0 {
		job.InitialBackoff = cfg.JobInitialBackoff
	}

	monitor := report.NewStaleMonitor(store, logger)
	if cfg.StaleThreshold > 0 {
		monitor.Threshold = cfg.StaleThreshold
	}
	if cfg.MonitorInterval > 0 {
		monitor.CheckInterval = cfg.MonitorInterval
	}
	monitor.Requeue = func(ctx context.Context, key generic.PeriodKey) error {
		return q.Enqueue(ctx, queue.NewRequest(key, "stale beyond threshold"))
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Ledger:    ledger,
		Repair:    meal.NewRepair(ledger),
		Stale:     stale,
		Generator: gen,
		Job:       job,
		Monitor:   monitor,
		Queue:     q,
		Processor: processor,
	}
}

// Open connects every backend named in cfg and builds the App.
func Open(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, bus Bus) (*App, error) {
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)

	var (
		rdb    *redis.Client
		locker lock.Locker = lock.NewLocal()
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		locker = lock.NewRedis(rdb)
	}

	q, err := openQueue(ctx, cfg, logger, rdb)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, q.Close)

	a := New(cfg, logger, store, q, locker, bus)
	a.closers = closers
	return a, nil
}

// OpenStore opens the SQL store named by DB_DRIVER / DB_DSN.
func OpenStore(cfg config.Config) (*sqlstore.Store, error) {
	dialect := sqlstore.SQLite
	if cfg.DBDriver == "postgres" {
		dialect = sqlstore.Postgres
	}
	store, err := sqlstore.Open(dialect, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	return store, nil
}

func openQueue(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, rdb *redis.Client) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		q := queue.NewRedis(rdb, cfg.RedisQueue, logger)
		if n, err := q.Recover(ctx); err != nil {
			return nil, fmt.Errorf("recover redis queue: %w", err)
		} else if n > 0 {
			logger.WithField("count", n).Info("requeued in-flight regeneration requests")
		}
		return q, nil
	case "nats":
		return queue.NewNATS(queue.NATSConfig{URL: cfg.NATSURL}, logger)
	case "pubsub":
		return queue.NewPubSub(ctx, queue.PubSubConfig{
			ProjectID:       cfg.PubSubProjectID,
			Topic:           cfg.PubSubTopic,
			Subscription:    cfg.PubSubSubscription,
			CredentialsJSON: cfg.PubSubCredentials,
		}, logger)
	default:
		return queue.NewMemory(), nil
	}
}

// Drain runs queued regeneration requests inline when the queue is in-process.
// Returns false for external queues, whose workers run elsewhere.
func (a *App) Drain(ctx context.Context) bool {
	mem, ok := a.Queue.(*queue.Memory)
	if !ok {
		return false
	}
	mem.Drain(ctx, a.Job.Handle)
	return true
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
