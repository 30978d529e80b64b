package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// Append inserts the raw event. The unique index on request_id makes
// redelivered messages detectable: a conflicting insert writes nothing and
// returns ErrDuplicateEvent.
func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO usage_events (tenant_id, request_id, agent_id, input_tokens, output_tokens, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id
	`
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, query,
		ev.TenantID, ev.RequestID, ev.AgentID, ev.InputTokens, ev.OutputTokens, ts,
	).Scan(&ev.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append usage event: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT id, tenant_id, request_id, agent_id, input_tokens, output_tokens, occurred_at
		FROM usage_events
		WHERE tenant_id = $1 AND occurred_at BETWEEN $2 AND $3
		ORDER BY occurred_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.RequestID, &e.AgentID,
			&e.InputTokens, &e.OutputTokens, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}

	return events, nil
}

// Migrate creates the usage log schema if it does not exist yet.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id     TEXT NOT NULL,
			request_id    TEXT NOT NULL UNIQUE,
			agent_id      TEXT NOT NULL DEFAULT '',
			input_tokens  BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS usage_events_tenant_time_idx
			ON usage_events (tenant_id, occurred_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate usage_events: %w", err)
	}
	return nil
}
