// Package pubsub implements the submission queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
)

// Config captures the Pub/Sub identifiers for the submission queue.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Queue bridges a Pub/Sub subscription's push-style Receive loop onto the
// pull-style Dequeue interface the dispatcher expects. Messages are acked on
// successful decode; malformed payloads are acked and dropped so they cannot
// wedge the subscription.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	inbox chan audit.Submission

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	recvErr   error
}

// New connects to Pub/Sub and verifies the topic and subscription exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub subscription id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}

	var topic *pubsub.Topic
	if cfg.TopicID != "" {
		topic = client.Topic(cfg.TopicID)
		exists, err := topic.Exists(ctx)
		if err != nil {
			closeClient(client, logger)
			return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
		}
		if !exists {
			closeClient(client, logger)
			return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
		}
	}

	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		inbox:  make(chan audit.Submission, 32),
		done:   make(chan struct{}),
	}, nil
}

func closeClient(client *pubsub.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil && logger != nil {
		logger.Warn("close pubsub client", zap.Error(err))
	}
}

// Enqueue publishes a submission to the configured topic and waits for the
// server ack.
func (q *Queue) Enqueue(ctx context.Context, sub audit.Submission) error {
	if q.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	return nil
}

// Dequeue returns the next decoded submission. The Receive loop starts lazily
// on first call and runs until Close or context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (audit.Submission, error) {
	q.startOnce.Do(func() { q.startReceive() })

	select {
	case sub, ok := <-q.inbox:
		if !ok {
			if q.recvErr != nil {
				return audit.Submission{}, fmt.Errorf("receive loop stopped: %w", q.recvErr)
			}
			return audit.Submission{}, audit.ErrQueueClosed
		}
		return sub, nil
	case <-ctx.Done():
		return audit.Submission{}, fmt.Errorf("dequeue submission: %w", ctx.Err())
	}
}

func (q *Queue) startReceive() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		defer close(q.inbox)
		err := q.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			var sub audit.Submission
			if err := json.Unmarshal(msg.Data, &sub); err != nil {
				q.logger.Warn("drop malformed submission message",
					zap.String("message_id", msg.ID),
					zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.inbox <- sub:
				msg.Ack()
			case <-msgCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			q.recvErr = err
			q.logger.Error("pubsub receive loop failed", zap.Error(err))
		}
	}()
}

// Close stops the Receive loop and releases the client.
func (q *Queue) Close() error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	if q.topic != nil {
		q.topic.Stop()
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
