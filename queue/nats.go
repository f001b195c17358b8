package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// NATS QUEUE - JetStream work-queue stream
// =============================================================================

// NATSConfig names the stream, subject and durable consumer.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string

	// AckWait is how long a delivery may run before JetStream redelivers it.
	AckWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Stream == "" {
		c.Stream = "MEAL_REGEN"
	}
	if c.Subject == "" {
		c.Subject = "meal.reports.regenerate"
	}
	if c.Durable == "" {
		c.Durable = "report-workers"
	}
	if c.AckWait == 0 {
		c.AckWait = 2 * time.Minute
	}
	return c
}

type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger logrus.FieldLogger
}

// NewNATS connects and makes sure the work-queue stream exists.
func NewNATS(cfg NATSConfig, logger logrus.FieldLogger) (*NATS, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("meal-ledger"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	q := &NATS{conn: conn, js: js, cfg: cfg, logger: logger.WithField("component", "queue.nats")}
	if err := q.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *NATS) ensureStream() error {
	_, err := q.js.StreamInfo(q.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", q.cfg.Stream, err)
	}
	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *NATS) Enqueue(ctx context.Context, req Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.cfg.Subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", req.Key(), err)
	}
	return nil
}

// Consume binds to the shared durable pull consumer, so several consumers
// split the work.
func (q *NATS) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable,
		nats.ManualAck(),
		nats.AckWait(q.cfg.AckWait),
		nats.BindStream(q.cfg.Stream),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch: %w", err)
		}
		for _, msg := range msgs {
			q.deliver(ctx, msg, handler)
		}
	}
	return nil
}

func (q *NATS) deliver(ctx context.Context, msg *nats.Msg, handler Handler) {
	req, err := decode(msg.Data)
	if err != nil {
		q.logger.WithError(err).Error("dropping undecodable request")
		_ = msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		req.Attempt = int(meta.NumDelivered)
	}
	if err := handler(ctx, req); err != nil {
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		q.logger.WithError(err).WithField("period", req.Key().String()).Warn("ack failed")
	}
}

func (q *NATS) Close() error {
	return q.conn.Drain()
}
