// Package gate is the synchronous admission check run before every agent
// invocation: compare the tenant's running total against its budget and
// allow or deny.
//
// The check reads a snapshot. Usage lands asynchronously through the ingest
// pipeline, so a burst of concurrent calls can all pass admission before any
// of their usage is aggregated. This is a soft limit by design; the TPM rate
// limiter in front bounds the overshoot.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
)

// ErrStoreUnavailable wraps account-store failures so callers can tell an
// infrastructure problem apart from a budget denial.
var ErrStoreUnavailable = errors.New("account store unavailable")

// Reasons reported in a Decision.
const (
	ReasonNoAccount        = "no_account"
	ReasonNoLimit          = "no_limit"
	ReasonWithinLimit      = "within_limit"
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonStoreUnavailable = "store_unavailable"
)

// Decision is the admission outcome. On a denial TokenLimit and
// CurrentUsage are populated so the caller can build a structured
// rate-limit response.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	TenantID     string `json:"tenant_id"`
	TokenLimit   int64  `json:"token_limit,omitempty"`
	CurrentUsage int64  `json:"current_usage,omitempty"`
}

type accountReader interface {
	Get(ctx context.Context, tenantID string) (*account.Account, error)
}

type Gate struct {
	accounts accountReader
	failOpen bool
	logger   *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithFailOpen makes the gate allow requests when the account store is
// unreachable. The default is fail-closed: an unreadable budget denies the
// request, protecting spend at the price of availability.
func WithFailOpen() Option {
	return func(g *Gate) { g.failOpen = true }
}

func New(accounts accountReader, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{accounts: accounts, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check admits or denies the tenant. An unknown tenant is admitted: no
// account means no usage and no limit. When the store cannot be read the
// returned error wraps ErrStoreUnavailable and the decision follows the
// configured fail policy.
func (g *Gate) Check(ctx context.Context, tenantID string) (*Decision, error) {
	acc, err := g.accounts.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return &Decision{Allowed: true, Reason: ReasonNoAccount, TenantID: tenantID}, nil
		}

		g.logger.Error("admission check could not read account",
			zap.String("tenant_id", tenantID),
			zap.Bool("fail_open", g.failOpen),
			zap.Error(err),
		)
		return &Decision{
			Allowed:  g.failOpen,
			Reason:   ReasonStoreUnavailable,
			TenantID: tenantID,
		}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if acc.TokenLimit == nil {
		return &Decision{Allowed: true, Reason: ReasonNoLimit, TenantID: tenantID}, nil
	}

	if acc.TotalTokens >= *acc.TokenLimit {
		return &Decision{
			Allowed:      false,
			Reason:       ReasonLimitExceeded,
			TenantID:     tenantID,
			TokenLimit:   *acc.TokenLimit,
			CurrentUsage: acc.TotalTokens,
		}, nil
	}

	return &Decision{
		Allowed:      true,
		Reason:       ReasonWithinLimit,
		TenantID:     tenantID,
		TokenLimit:   *acc.TokenLimit,
		CurrentUsage: acc.TotalTokens,
	}, nil
}
