// Package aggregate folds persisted usage events into per-tenant running
// totals. Events arrive at-least-once; the request id makes each fold
// effectively exactly-once.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/usage"
)

type Aggregator struct {
	events   usage.Store
	accounts account.Store
	logger   *zap.Logger
}

func New(events usage.Store, accounts account.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		events:   events,
		accounts: accounts,
		logger:   logger,
	}
}

// Process records the raw event in the durable log and increments the
// tenant's totals. Either step may see the request id again after a
// redelivery; both duplicates are clean no-ops. A log duplicate does NOT
// skip aggregation: a crash between the two steps leaves the event logged
// but unfolded, and the redelivery must finish the job.
//
// Any returned error means the event was not fully applied and the message
// must stay unacknowledged so the queue redelivers it.
func (a *Aggregator) Process(ctx context.Context, ev *usage.Event) error {
	if ev.TenantID == "" || ev.RequestID == "" {
		return fmt.Errorf("usage event missing tenant or request id")
	}

	err := a.events.Append(ctx, ev)
	switch {
	case errors.Is(err, usage.ErrDuplicateEvent):
		a.logger.Debug("usage event already logged",
			zap.String("tenant_id", ev.TenantID),
			zap.String("request_id", ev.RequestID),
		)
	case err != nil:
		return fmt.Errorf("append usage event: %w", err)
	}

	err = a.accounts.ApplyUsage(ctx, ev)
	switch {
	case errors.Is(err, account.ErrDuplicateRequest):
		a.logger.Debug("usage event already aggregated",
			zap.String("tenant_id", ev.TenantID),
			zap.String("request_id", ev.RequestID),
		)
		return nil
	case err != nil:
		return fmt.Errorf("apply usage: %w", err)
	}

	a.logger.Info("usage aggregated",
		zap.String("tenant_id", ev.TenantID),
		zap.String("request_id", ev.RequestID),
		zap.Int64("input_tokens", ev.InputTokens),
		zap.Int64("output_tokens", ev.OutputTokens),
	)
	return nil
}
