/*
worker.go - Pool of goroutines consuming a Queue

PURPOSE:
  Runs Workers concurrent Consume loops against one Queue. A loop that
  returns an error (broken connection) is restarted after RestartDelay.

USAGE:
  pool := NewWorkerPool(q, job.Handle, 4, logger)
  pool.Start(ctx)
  // ... later
  pool.Stop()
*/
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type WorkerPool struct {
	Queue        Queue
	Handler      Handler
	Workers      int
	RestartDelay time.Duration

	logger logrus.FieldLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWorkerPool(q Queue, handler Handler, workers int, logger logrus.FieldLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WorkerPool{
		Queue:        q,
		Handler:      handler,
		Workers:      workers,
		RestartDelay: 5 * time.Second,
		logger:       logger.WithField("component", "queue.worker"),
	}
}

// Start launches the workers. Calling Start on a running pool does nothing.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Infof("[Worker] Started %d workers", p.Workers)
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("[Worker] Stopped")
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker", id)
	for {
		err := p.Queue.Consume(ctx, p.Handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Error("[Worker] Consume failed, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.RestartDelay):
		}
	}
}
