package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/agent-gateway/internal/limits"
	"github.com/vnmchuo/agent-gateway/internal/usage"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Pricing is the fixed per-1K token price applied when usage is folded in.
type Pricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

type PostgresStore struct {
	db      DB
	pricing Pricing
}

func NewPostgresStore(db DB, pricing Pricing) Store {
	return &PostgresStore{db: db, pricing: pricing}
}

// SetLimit creates the account with zeroed counters or updates the budget on
// an existing one. Setting the same limit twice leaves the same end state.
func (s *PostgresStore) SetLimit(ctx context.Context, tenantID string, limit int64) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if limit <= 0 {
		return ErrInvalidLimit
	}

	query := `
		INSERT INTO tenant_accounts (tenant_id, token_limit)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE
			SET token_limit = EXCLUDED.token_limit, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, tenantID, limit); err != nil {
		return fmt.Errorf("failed to set token limit: %w", err)
	}
	return nil
}

const accountColumns = `
	tenant_id, input_tokens, output_tokens, total_tokens, request_count,
	token_limit, input_cost::text, output_cost::text, total_cost::text, updated_at
`

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1`, tenantID)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant account: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant accounts: %w", err)
	}

	return accounts, nil
}

// ApplyUsage folds one event into the tenant's totals. Two steps in one
// transaction: claim the request id, then a single atomic upsert that
// increments every counter in place. The upsert also creates the account on
// a tenant's first event, so concurrent first-writers cannot race a
// read-then-insert into duplicates.
func (s *PostgresStore) ApplyUsage(ctx context.Context, ev *usage.Event) error {
	if ev.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if ev.InputTokens < 0 || ev.OutputTokens < 0 {
		return fmt.Errorf("token counts must be non-negative")
	}

	inputCost := limits.TieredCost(ev.InputTokens, 0, s.pricing.InputPer1K, s.pricing.OutputPer1K)
	outputCost := limits.TieredCost(0, ev.OutputTokens, s.pricing.InputPer1K, s.pricing.OutputPer1K)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin apply-usage tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_requests (request_id, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (request_id) DO NOTHING
	`, ev.RequestID, ev.TenantID)
	if err != nil {
		return fmt.Errorf("failed to claim request id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRequest
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tenant_accounts
			(tenant_id, input_tokens, output_tokens, total_tokens, request_count,
			 input_cost, output_cost, total_cost)
		VALUES ($1, $2, $3, $4, 1, $5::numeric, $6::numeric, $7::numeric)
		ON CONFLICT (tenant_id) DO UPDATE SET
			input_tokens  = tenant_accounts.input_tokens  + EXCLUDED.input_tokens,
			output_tokens = tenant_accounts.output_tokens + EXCLUDED.output_tokens,
			total_tokens  = tenant_accounts.total_tokens  + EXCLUDED.total_tokens,
			request_count = tenant_accounts.request_count + 1,
			input_cost    = tenant_accounts.input_cost    + EXCLUDED.input_cost,
			output_cost   = tenant_accounts.output_cost   + EXCLUDED.output_cost,
			total_cost    = tenant_accounts.total_cost    + EXCLUDED.total_cost,
			updated_at    = now()
	`, ev.TenantID, ev.InputTokens, ev.OutputTokens, ev.TotalTokens(),
		inputCost.String(), outputCost.String(), inputCost.Add(outputCost).String())
	if err != nil {
		return fmt.Errorf("failed to increment tenant totals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit apply-usage tx: %w", err)
	}
	return nil
}

// Delete removes the tenant's aggregate record. The raw usage log is kept
// for audit, and processed_requests rows stay so replayed events do not
// resurrect the account.
func (s *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tenant_accounts WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*Account, error) {
	var (
		acc                              Account
		inputCost, outputCost, totalCost string
	)
	err := row.Scan(
		&acc.TenantID, &acc.InputTokens, &acc.OutputTokens, &acc.TotalTokens,
		&acc.RequestCount, &acc.TokenLimit, &inputCost, &outputCost, &totalCost,
		&acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if acc.InputCost, err = decimal.NewFromString(inputCost); err != nil {
		return nil, fmt.Errorf("bad input_cost %q: %w", inputCost, err)
	}
	if acc.OutputCost, err = decimal.NewFromString(outputCost); err != nil {
		return nil, fmt.Errorf("bad output_cost %q: %w", outputCost, err)
	}
	if acc.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
		return nil, fmt.Errorf("bad total_cost %q: %w", totalCost, err)
	}
	return &acc, nil
}

// Migrate creates the aggregate schema if it does not exist yet.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_accounts (
			tenant_id     TEXT PRIMARY KEY,
			input_tokens  BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens  BIGINT NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			token_limit   BIGINT,
			input_cost    NUMERIC(20,10) NOT NULL DEFAULT 0,
			output_cost   NUMERIC(20,10) NOT NULL DEFAULT 0,
			total_cost    NUMERIC(20,10) NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT token_limit_positive CHECK (token_limit IS NULL OR token_limit > 0)
		);
		CREATE TABLE IF NOT EXISTS processed_requests (
			request_id   TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate tenant_accounts: %w", err)
	}
	return nil
}
