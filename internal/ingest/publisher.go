// Package ingest moves usage events from the invocation path to the
// aggregation worker over a Redis Stream. Delivery is at-least-once; the
// aggregator's request-id dedup makes redelivery safe.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/agent-gateway/internal/usage"
)

var tracer = otel.Tracer("ingest")

// Publisher appends usage events to the stream. From the inference caller's
// perspective publishing is fire-and-forget: nothing waits on aggregation.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish XADDs one event. The stream is capped approximately; the durable
// postgres log, not the stream, is the system of record.
func (p *Publisher) Publish(ctx context.Context, ev *usage.Event) (string, error) {
	ctx, span := tracer.Start(ctx, "ingest.Publish",
		trace.WithAttributes(
			attribute.String("stream", p.stream),
			attribute.String("tenant_id", ev.TenantID),
			attribute.String("request_id", ev.RequestID),
		))
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal usage event: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish usage event: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", id))
	return id, nil
}
