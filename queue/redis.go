package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// REDIS QUEUE - Reliable list queue
// =============================================================================
//
// Requests are LPUSHed onto <name>. A consumer atomically moves one onto
// <name>:processing with BLMOVE, runs the handler, then removes it. A handler
// error moves it back onto <name>. Anything left in the processing list by a
// crashed consumer is returned to <name> by Recover.

type Redis struct {
	client     redis.UniversalClient
	name       string
	processing string
	logger     logrus.FieldLogger

	// PollTimeout bounds each blocking pop so Consume notices ctx cancellation.
	PollTimeout time.Duration
}

func NewRedis(client redis.UniversalClient, name string, logger logrus.FieldLogger) *Redis {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		client:      client,
		name:        name,
		processing:  name + ":processing",
		logger:      logger.WithFields(logrus.Fields{"component": "queue.redis", "queue": name}),
		PollTimeout: 2 * time.Second,
	}
}

func (q *Redis) Enqueue(ctx context.Context, req Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", req.Key(), err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := q.client.BLMove(ctx, q.name, q.processing, "RIGHT", "LEFT", q.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pop from %s: %w", q.name, err)
		}

		req, err := decode([]byte(payload))
		if err != nil {
			q.logger.WithError(err).WithField("payload", payload).Error("dropping undecodable request")
			q.ack(ctx, payload)
			continue
		}
		req.Attempt++
		if herr := handler(ctx, req); herr != nil {
			q.nack(ctx, payload, req)
			continue
		}
		q.ack(ctx, payload)
	}
}

func (q *Redis) ack(ctx context.Context, payload string) {
	if err := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, payload).Err(); err != nil {
		q.logger.WithError(err).Warn("ack failed")
	}
}

func (q *Redis) nack(ctx context.Context, payload string, req Request) {
	retry, err := encode(req)
	if err != nil {
		return
	}
	c := context.WithoutCancel(ctx)
	_, err = q.client.TxPipelined(c, func(p redis.Pipeliner) error {
		p.LRem(c, q.processing, 1, payload)
		p.LPush(c, q.name, retry)
		return nil
	})
	if err != nil {
		q.logger.WithError(err).WithField("period", req.Key().String()).Warn("requeue failed")
	}
}

// Recover moves every in-flight request back to the queue. Call it once at
// startup before any consumer runs.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.name, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (q *Redis) Close() error { return nil }
