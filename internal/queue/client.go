// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrEmpty is returned by Receive when the blocking pop times out with
// nothing to deliver.
var ErrEmpty = errors.New("queue: empty")

type Config struct {
	HeartbeatTTL      time.Duration
	ReceiveTimeout    time.Duration
	MaxDeliveryCount  int
}

func DefaultConfig() Config {
	return Config{HeartbeatTTL: 30 * time.Second, ReceiveTimeout: 1 * time.Second, MaxDeliveryCount: 5}
}

type Client struct {
	rdb *redis.Client
	log *zap.Logger
	cfg Config
}

func New(rdb *redis.Client, log *zap.Logger, cfg Config) *Client {
	return &Client{rdb: rdb, log: log, cfg: cfg}
}

func mainKey(name string) string       { return "paperpilot:queue:" + name }
func processingKey(name, consumer string) string {
	return "paperpilot:queue:" + name + ":processing:" + consumer
}
func heartbeatKey(name, consumer string) string {
	return "paperpilot:queue:" + name + ":heartbeat:" + consumer
}
func dlqKey(name string) string { return "paperpilot:queue:" + name + ":dlq" }

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Send enqueues body durably. Delivery is at-least-once: the envelope
// tracks its own delivery_count and message_id since plain Redis lists
// carry no broker metadata of their own.
func (c *Client) Send(ctx context.Context, queueName string, body Message) error {
	ctx, span := obs.StartEnqueueSpan(ctx, queueName, body.JobType)
	defer span.End()

	env := envelope{
		Body:          body,
		MessageID:     uuid.NewString(),
		EnqueuedTime:  time.Now().UTC(),
		DeliveryCount: 0,
	}
	payload, err := marshalEnvelope(env)
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("queue: marshal: %w", err)
	}
	if err := c.rdb.LPush(ctx, mainKey(queueName), payload).Err(); err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("queue: send to %s: %w", queueName, err)
	}
	obs.SetSpanSuccess(ctx)
	obs.JobsProduced.Inc()
	return nil
}

// Receive blocks up to the configured timeout for one message, moving it
// into a per-consumer processing list and arming a heartbeat key whose
// TTL stands in for a broker visibility timeout. Returns ErrEmpty on
// timeout with nothing available.
func (c *Client) Receive(ctx context.Context, queueName, consumerID string) (*QueuedMessage, error) {
	ctx, span := obs.StartDequeueSpan(ctx, queueName)
	defer span.End()

	raw, err := c.rdb.BRPopLPush(ctx, mainKey(queueName), processingKey(queueName, consumerID), c.cfg.ReceiveTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("queue: receive from %s: %w", queueName, err)
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		// Malformed payload: drop it from processing immediately, let the
		// consumer treat this as a parse error per spec.md §4.7 step 1.
		_ = c.rdb.LRem(ctx, processingKey(queueName, consumerID), 1, raw).Err()
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}
	env.DeliveryCount++
	if err := c.rdb.Set(ctx, heartbeatKey(queueName, consumerID), env.MessageID, c.cfg.HeartbeatTTL).Err(); err != nil {
		c.log.Warn("queue: heartbeat set failed", obs.String("queue", queueName), obs.Err(err))
	}
	obs.JobsConsumed.Inc()
	obs.SetSpanSuccess(ctx)
	return &QueuedMessage{
		Body: env.Body, MessageID: env.MessageID, EnqueuedTime: env.EnqueuedTime,
		DeliveryCount: env.DeliveryCount, DeadLetterReason: env.DeadLetterReason,
		DeadLetterErrorDescription: env.DeadLetterErrorDescription, raw: raw,
	}, nil
}

// Ack removes the message from the processing list and clears the
// heartbeat, the successful-processing path.
func (c *Client) Ack(ctx context.Context, queueName, consumerID string, msg *QueuedMessage) error {
	if err := c.rdb.LRem(ctx, processingKey(queueName, consumerID), 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	_ = c.rdb.Del(ctx, heartbeatKey(queueName, consumerID)).Err()
	return nil
}

// Nack removes the message from processing and either redelivers it to
// the main queue with an incremented delivery count, or — once
// MaxDeliveryCount is exceeded — moves it to the DLQ sub-queue with the
// dead-letter fields populated, since plain Redis has no native
// dead-lettering the way a managed broker does.
func (c *Client) Nack(ctx context.Context, queueName, consumerID string, msg *QueuedMessage, reason, description string) error {
	if err := c.rdb.LRem(ctx, processingKey(queueName, consumerID), 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	_ = c.rdb.Del(ctx, heartbeatKey(queueName, consumerID)).Err()

	env := envelope{
		Body: msg.Body, MessageID: msg.MessageID, EnqueuedTime: msg.EnqueuedTime,
		DeliveryCount: msg.DeliveryCount,
	}
	if env.DeliveryCount >= c.cfg.MaxDeliveryCount {
		env.DeadLetterReason = reason
		env.DeadLetterErrorDescription = description
		payload, err := marshalEnvelope(env)
		if err != nil {
			return err
		}
		if err := c.rdb.LPush(ctx, dlqKey(queueName), payload).Err(); err != nil {
			return fmt.Errorf("queue: dead-letter: %w", err)
		}
		obs.JobsDeadLetter.Inc()
		return nil
	}
	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.rdb.LPush(ctx, mainKey(queueName), payload).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	obs.JobsRetried.Inc()
	return nil
}

// ReceiveDLQ blocks up to the configured timeout for one dead-lettered
// message.
func (c *Client) ReceiveDLQ(ctx context.Context, queueName, consumerID string) (*QueuedMessage, error) {
	raw, err := c.rdb.BRPopLPush(ctx, dlqKey(queueName), processingKey(queueName+":dlq", consumerID), c.cfg.ReceiveTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: receive dlq from %s: %w", queueName, err)
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		_ = c.rdb.LRem(ctx, processingKey(queueName+":dlq", consumerID), 1, raw).Err()
		return nil, fmt.Errorf("queue: decode dlq envelope: %w", err)
	}
	return &QueuedMessage{
		Body: env.Body, MessageID: env.MessageID, EnqueuedTime: env.EnqueuedTime,
		DeliveryCount: env.DeliveryCount, DeadLetterReason: env.DeadLetterReason,
		DeadLetterErrorDescription: env.DeadLetterErrorDescription, raw: raw,
	}, nil
}

func (c *Client) AckDLQ(ctx context.Context, queueName, consumerID string, msg *QueuedMessage) error {
	return c.rdb.LRem(ctx, processingKey(queueName+":dlq", consumerID), 1, msg.raw).Err()
}

// RecoverOrphans is the Go-idiomatic analogue of the broker's visibility
// timeout expiry: it is this codebase's internal/reaper pattern
// generalized from a single worker processing list to arbitrary queue
// names, scanning processing lists whose heartbeat key has expired and
// pushing their jobs back onto the main queue.
func (c *Client) RecoverOrphans(ctx context.Context, queueName string) (int, error) {
	prefix := "paperpilot:queue:" + queueName + ":processing:"
	pattern := prefix + "*"
	recovered := 0
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		processingList := iter.Val()
		consumerID := strings.TrimPrefix(processingList, prefix)
		hb := heartbeatKey(queueName, consumerID)
		exists, err := c.rdb.Exists(ctx, hb).Result()
		if err != nil || exists > 0 {
			continue
		}
		for {
			raw, err := c.rdb.RPop(ctx, processingList).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				c.log.Warn("queue: orphan recovery pop failed", obs.Err(err))
				break
			}
			if err := c.rdb.LPush(ctx, mainKey(queueName), raw).Err(); err != nil {
				c.log.Warn("queue: orphan recovery requeue failed", obs.Err(err))
				continue
			}
			recovered++
			obs.ReaperRecovered.Inc()
		}
	}
	if err := iter.Err(); err != nil {
		return recovered, err
	}
	return recovered, nil
}
