/*
Package events carries change events from the write path to their consumers.

PURPOSE:
  meal.Service publishes one generic.ChangeEvent per committed mutation. The
  bus hands it to every subscribed handler. The write path never knows what
  the handlers do.

BUSES:
  Direct:  handlers run on the publishing goroutine, before Publish returns.
           Used by the CLI and tests where ordering must be observable.
  Channel: Publish enqueues onto a buffered channel; one consumer goroutine
           runs the handlers. Used by the server so a slow handler never
           holds up a request.

SEE ALSO:
  - processor.go: The handler that marks reports stale and queues regeneration
*/
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/generic"
)

// Handler consumes one change event.
type Handler func(ctx context.Context, event generic.ChangeEvent) error

// =============================================================================
// DIRECT BUS
// =============================================================================

type Direct struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewDirect(handlers ...Handler) *Direct {
	return &Direct{handlers: handlers}
}

func (d *Direct) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Publish runs every handler and joins their errors.
func (d *Direct) Publish(ctx context.Context, event generic.ChangeEvent) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// CHANNEL BUS
// =============================================================================

// ErrBusClosed is returned by Publish after Stop.
var ErrBusClosed = errors.New("event bus closed")

type Channel struct {
	ch       chan generic.ChangeEvent
	done     chan struct{}
	handlers []Handler
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	closed  bool
	started bool
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

func NewChannel(buffer int, logger logrus.FieldLogger, handlers ...Handler) *Channel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Channel{
		ch:       make(chan generic.ChangeEvent, buffer),
		done:     make(chan struct{}),
		handlers: handlers,
		logger:   logger.WithField("component", "events.channel"),
	}
}

// Subscribe must be called before Start.
func (c *Channel) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Publish blocks only while the buffer is full. A publisher blocked when Stop
// is called gets ErrBusClosed.
func (c *Channel) Publish(ctx context.Context, event generic.ChangeEvent) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrBusClosed
	}
	c.sending.Add(1)
	c.mu.RUnlock()
	defer c.sending.Done()

	select {
	case c.ch <- event:
		return nil
	case <-c.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the consumer goroutine. It does nothing after Stop.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	handlers := append([]Handler(nil), c.handlers...)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for event := range c.ch {
			c.deliver(ctx, handlers, event)
		}
	}()
}

// Stop closes the bus and waits until buffered events are handled. Events
// buffered on a bus that was never started are handled on the caller's
// goroutine.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	started := c.started
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	// No publisher can be mid-send once this returns, so closing ch is safe.
	c.sending.Wait()
	close(c.ch)
	if started {
		c.wg.Wait()
		return
	}
	for event := range c.ch {
		c.deliver(context.Background(), handlers, event)
	}
}

func (c *Channel) deliver(ctx context.Context, handlers []Handler, event generic.ChangeEvent) {
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"entity": event.Entity,
				"period": event.Key.String(),
			}).Error("change event handler failed")
		}
	}
}
