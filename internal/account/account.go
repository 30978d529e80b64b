// Package account owns the per-tenant aggregate record: cumulative token
// counters, request count, accumulated cost, and the optional token budget.
// Only the aggregator and the limit-set operation write to it; the
// enforcement gate and the dashboard endpoints are read-only consumers.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/agent-gateway/internal/usage"
)

var (
	// ErrNotFound means no account exists for the tenant. For the
	// enforcement gate this is not an error (no usage, no limit).
	ErrNotFound = errors.New("tenant account not found")

	// ErrDuplicateRequest means this request id was already folded into
	// the totals. Replays must treat it as a clean no-op.
	ErrDuplicateRequest = errors.New("request already aggregated")

	// ErrInvalidLimit means the limit failed re-validation at the store
	// boundary (zero, negative, or missing).
	ErrInvalidLimit = errors.New("token limit must be a positive integer")
)

// Account is a snapshot of one tenant's running totals. All counters are
// monotonically non-decreasing; TotalTokens always equals
// InputTokens + OutputTokens. A nil TokenLimit means unlimited, which is
// distinct from a limit of zero (zero is never stored).
type Account struct {
	TenantID     string          `json:"tenant_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	RequestCount int64           `json:"request_count"`
	TokenLimit   *int64          `json:"token_limit,omitempty"`
	InputCost    decimal.Decimal `json:"input_cost"`
	OutputCost   decimal.Decimal `json:"output_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Store is the only mutation path for tenant accounts.
//
// ApplyUsage must use the database's atomic increment primitive, never
// read-modify-write: concurrent workers folding events for the same tenant
// must all be reflected. It must also be idempotent per request id
// (ErrDuplicateRequest on replay) so at-least-once delivery upstream cannot
// double-count.
type Store interface {
	SetLimit(ctx context.Context, tenantID string, limit int64) error
	Get(ctx context.Context, tenantID string) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
	ApplyUsage(ctx context.Context, ev *usage.Event) error
	Delete(ctx context.Context, tenantID string) error
}
