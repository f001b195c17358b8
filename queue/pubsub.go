package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// =============================================================================
// PUBSUB QUEUE - Google Cloud Pub/Sub
// =============================================================================

type PubSubConfig struct {
	ProjectID       string
	Topic           string
	Subscription    string
	CredentialsJSON string
}

type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	cfg    PubSubConfig
	logger logrus.FieldLogger
}

// NewPubSub creates the client and makes sure the topic and subscription exist.
// Without CredentialsJSON it uses Application Default Credentials.
func NewPubSub(ctx context.Context, cfg PubSubConfig, logger logrus.FieldLogger) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub project, topic and subscription are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, cfg.Topic); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic %q: %w", cfg.Topic, err)
		}
	}

	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !ok {
		_, err = client.CreateSubscription(ctx, cfg.Subscription, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 60 * time.Second,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create subscription %q: %w", cfg.Subscription, err)
		}
	}
	return &PubSub{client: client, topic: topic, cfg: cfg, logger: logger.WithField("component", "queue.pubsub")}, nil
}

func (q *PubSub) Enqueue(ctx context.Context, req Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"school_id": string(req.SchoolID)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", req.Key(), err)
	}
	return nil
}

// Consume receives on its own subscription handle with one outstanding
// message, so each call delivers sequentially.
func (q *PubSub) Consume(ctx context.Context, handler Handler) error {
	sub := q.client.Subscription(q.cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req, err := decode(msg.Data)
		if err != nil {
			q.logger.WithError(err).WithField("message_id", msg.ID).Error("dropping undecodable request")
			msg.Ack()
			return
		}
		if msg.DeliveryAttempt != nil {
			req.Attempt = *msg.DeliveryAttempt
		} else {
			req.Attempt = 1
		}
		if err := handler(ctx, req); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (q *PubSub) Close() error {
	q.topic.Stop()
	return q.client.Close()
}
