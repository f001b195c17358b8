package queue

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY QUEUE - In-process FIFO (for testing/dev)
// =============================================================================

// Memory is an in-process queue. Failed requests go to the back of the queue
// until MaxDeliveries is reached, then they are dropped.
type Memory struct {
	MaxDeliveries int

	mu      sync.Mutex
	items   []Request
	notify  chan struct{}
	dropped []Request
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{MaxDeliveries: 5, notify: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, req Request) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	m.push(req)
	return nil
}

func (m *Memory) push(req Request) {
	m.mu.Lock()
	m.items = append(m.items, req)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) pop() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Request{}, false
	}
	req := m.items[0]
	m.items = m.items[1:]
	if len(m.items) > 0 {
		// wake another consumer
		defer m.signal()
	}
	return req, true
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		req, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.notify:
				continue
			}
		}
		req.Attempt++
		if err := handler(ctx, req); err != nil {
			m.redeliver(req)
		}
	}
}

func (m *Memory) redeliver(req Request) {
	if m.MaxDeliveries > 0 && req.Attempt >= m.MaxDeliveries {
		m.mu.Lock()
		m.dropped = append(m.dropped, req)
		m.mu.Unlock()
		return
	}
	m.push(req)
}

// Drain delivers queued requests on the calling goroutine until the queue is
// empty. Requests enqueued by the handler are delivered too.
func (m *Memory) Drain(ctx context.Context, handler Handler) {
	for {
		req, ok := m.pop()
		if !ok {
			return
		}
		req.Attempt++
		if err := handler(ctx, req); err != nil {
			m.redeliver(req)
		}
	}
}

// Pending returns a copy of the queued requests.
func (m *Memory) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.items...)
}

// Dropped returns requests that ran out of deliveries.
func (m *Memory) Dropped() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.dropped...)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
