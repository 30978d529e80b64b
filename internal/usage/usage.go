// Package usage defines the immutable usage event emitted after each agent
// invocation and the append-only log it is persisted to.
package usage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent reports that an event with the same request id is
// already in the log. Redelivery of a queue message is the normal cause;
// it is not a failure.
var ErrDuplicateEvent = errors.New("usage event already recorded")

// Event is one immutable fact: tokens consumed by one completed invocation.
// RequestID is the deduplication key across the whole pipeline.
type Event struct {
	ID           string    `json:"id,omitempty"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *Event) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// Store is the durable, append-only usage log. Events are never mutated;
// they are retained for audit and replay.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Event, error)
}
