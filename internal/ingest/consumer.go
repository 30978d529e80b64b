package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/usage"
)

// Handler processes one usage event. A non-nil error leaves the message
// pending so the group redelivers it; the handler must therefore be
// idempotent per request id.
type Handler func(ctx context.Context, ev *usage.Event) error

// Consumer reads the usage stream through a consumer group. Messages are
// acked only after the handler succeeds; failed or stranded messages are
// retried with backoff and parked on a dead-letter stream once the retry
// limit is hit.
type Consumer struct {
	client       *redis.Client
	stream       string
	group        string
	consumerName string
	handler      Handler
	logger       *zap.Logger

	blockTimeout  time.Duration
	claimInterval time.Duration
	reclaimIdle   time.Duration
	retryLimit    int

	stopCh chan struct{}
}

type ConsumerConfig struct {
	Stream        string
	Group         string
	ConsumerName  string
	BlockTimeout  time.Duration // default 5s
	ClaimInterval time.Duration // default 30s
	ReclaimIdle   time.Duration // default 5m
	RetryLimit    int           // default 3
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}

	return &Consumer{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumerName:  cfg.ConsumerName,
		handler:       handler,
		logger:        logger,
		blockTimeout:  cfg.BlockTimeout,
		claimInterval: cfg.ClaimInterval,
		reclaimIdle:   cfg.ReclaimIdle,
		retryLimit:    cfg.RetryLimit,
		stopCh:        make(chan struct{}),
	}
}

// DLQStream is where messages land after exhausting their retries.
func (c *Consumer) DLQStream() string {
	return "dlq:" + c.stream
}

// Start creates the consumer group if needed and launches the read loop.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go c.run(ctx)
	return nil
}

// Stop ends the read loop. In-flight messages stay pending and will be
// reclaimed by another consumer.
func (c *Consumer) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *Consumer) run(ctx context.Context) {
	c.logger.Info("usage consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumerName),
	)

	lastClaim := time.Now().Add(-c.claimInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("usage consumer stopped: context cancelled")
			return
		case <-c.stopCh:
			c.logger.Info("usage consumer stopped")
			return
		default:
		}

		if time.Since(lastClaim) >= c.claimInterval {
			c.reclaimStale(ctx)
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    c.blockTimeout,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read usage stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				c.processMessage(ctx, xmsg)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, xmsg redis.XMessage) {
	ctx, span := tracer.Start(ctx, "ingest.processMessage",
		trace.WithAttributes(
			attribute.String("stream", c.stream),
			attribute.String("stream.message_id", xmsg.ID),
		))
	defer span.End()

	ev, err := decodeMessage(xmsg)
	if err != nil {
		// Malformed messages can never succeed; ack so they don't loop.
		c.logger.Error("dropping malformed usage message",
			zap.String("message_id", xmsg.ID), zap.Error(err))
		c.ack(ctx, xmsg.ID)
		return
	}

	span.SetAttributes(
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("request_id", ev.RequestID),
	)

	if err := c.handler(ctx, ev); err != nil {
		span.RecordError(err)
		c.logger.Error("usage handler failed, leaving message pending",
			zap.String("message_id", xmsg.ID),
			zap.String("request_id", ev.RequestID),
			zap.Error(err),
		)
		c.handleFailure(ctx, xmsg, ev, err)
		return
	}

	c.ack(ctx, xmsg.ID)
}

func decodeMessage(xmsg redis.XMessage) (*usage.Event, error) {
	raw, ok := xmsg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", xmsg.ID)
	}
	var ev usage.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", xmsg.ID, err)
	}
	if ev.TenantID == "" || ev.RequestID == "" {
		return nil, fmt.Errorf("message %s missing tenant or request id", xmsg.ID)
	}
	return &ev, nil
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.logger.Error("failed to ack message", zap.String("message_id", id), zap.Error(err))
	}
}

func (c *Consumer) handleFailure(ctx context.Context, xmsg redis.XMessage, ev *usage.Event, cause error) {
	retries := c.retryCount(ctx, xmsg.ID)
	if retries < c.retryLimit {
		// Not acked: XPENDING keeps it and reclaimStale retries it later.
		return
	}

	c.logger.Warn("usage message moved to DLQ after max retries",
		zap.String("message_id", xmsg.ID),
		zap.String("request_id", ev.RequestID),
		zap.Int("retries", retries),
	)
	c.moveToDLQ(ctx, ev, cause)
	c.ack(ctx, xmsg.ID)
}

func (c *Consumer) retryCount(ctx context.Context, messageID string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (c *Consumer) moveToDLQ(ctx context.Context, ev *usage.Event, cause error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"original_stream": c.stream,
		"event":           ev,
		"error":           cause.Error(),
		"failed_at":       time.Now().Unix(),
	})
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.DLQStream(),
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
	if err != nil {
		c.logger.Error("failed to write DLQ entry",
			zap.String("request_id", ev.RequestID), zap.Error(err))
	}
}

// reclaimStale takes over pending messages whose consumer died or whose
// backoff has elapsed, and re-runs or dead-letters them.
func (c *Consumer) reclaimStale(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  20,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return
		}
		c.logger.Error("failed to query pending messages", zap.Error(err))
		return
	}

	for i := range pending {
		p := pending[i]

		minIdle := c.reclaimIdle
		if p.Consumer == c.consumerName {
			// Our own retry: back off by delivery count instead of
			// waiting for the stale-consumer threshold.
			minIdle = backoffFor(int(p.RetryCount))
		}
		if p.Idle < minIdle {
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumerName,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.logger.Error("failed to claim pending message",
				zap.String("message_id", p.ID), zap.Error(err))
			continue
		}

		for _, xmsg := range claimed {
			if int(p.RetryCount) >= c.retryLimit {
				if ev, decErr := decodeMessage(xmsg); decErr == nil {
					c.moveToDLQ(ctx, ev, fmt.Errorf("message exceeded max retries"))
				}
				c.ack(ctx, xmsg.ID)
				continue
			}
			c.processMessage(ctx, xmsg)
		}
	}
}

func backoffFor(retryCount int) time.Duration {
	backoff := time.Second
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff > time.Minute {
			return time.Minute
		}
	}
	return backoff
}
