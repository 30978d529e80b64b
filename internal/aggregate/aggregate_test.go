package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/usage"
)

type memEventLog struct {
	byRequest map[string]*usage.Event
	appendErr error
}

func newMemEventLog() *memEventLog {
	return &memEventLog{byRequest: map[string]*usage.Event{}}
}

func (m *memEventLog) Append(ctx context.Context, ev *usage.Event) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	if _, ok := m.byRequest[ev.RequestID]; ok {
		return usage.ErrDuplicateEvent
	}
	m.byRequest[ev.RequestID] = ev
	return nil
}

func (m *memEventLog) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.Event, error) {
	var out []*usage.Event
	for _, ev := range m.byRequest {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memAccounts struct {
	accounts map[string]*account.Account
	applied  map[string]bool
	applyErr error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		accounts: map[string]*account.Account{},
		applied:  map[string]bool{},
	}
}

func (m *memAccounts) SetLimit(ctx context.Context, tenantID string, limit int64) error {
	acc := m.account(tenantID)
	acc.TokenLimit = &limit
	return nil
}

func (m *memAccounts) Get(ctx context.Context, tenantID string) (*account.Account, error) {
	acc, ok := m.accounts[tenantID]
	if !ok {
		return nil, account.ErrNotFound
	}
	return acc, nil
}

func (m *memAccounts) List(ctx context.Context) ([]*account.Account, error) {
	var out []*account.Account
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	return out, nil
}

func (m *memAccounts) ApplyUsage(ctx context.Context, ev *usage.Event) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	if m.applied[ev.RequestID] {
		return account.ErrDuplicateRequest
	}
	m.applied[ev.RequestID] = true

	acc := m.account(ev.TenantID)
	acc.InputTokens += ev.InputTokens
	acc.OutputTokens += ev.OutputTokens
	acc.TotalTokens += ev.TotalTokens()
	acc.RequestCount++
	return nil
}

func (m *memAccounts) Delete(ctx context.Context, tenantID string) error {
	delete(m.accounts, tenantID)
	return nil
}

func (m *memAccounts) account(tenantID string) *account.Account {
	acc, ok := m.accounts[tenantID]
	if !ok {
		acc = &account.Account{TenantID: tenantID}
		m.accounts[tenantID] = acc
	}
	return acc
}

func event(tenant, request string, in, out int64) *usage.Event {
	return &usage.Event{
		TenantID:     tenant,
		RequestID:    request,
		AgentID:      "agent-1",
		InputTokens:  in,
		OutputTokens: out,
		Timestamp:    time.Now(),
	}
}

func TestProcessFoldsEvent(t *testing.T) {
	events := newMemEventLog()
	accounts := newMemAccounts()
	agg := New(events, accounts, zap.NewNop())

	if err := agg.Process(context.Background(), event("t1", "req-1", 100, 50)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, err := accounts.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if acc.InputTokens != 100 || acc.OutputTokens != 50 || acc.TotalTokens != 150 {
		t.Errorf("totals = {%d, %d, %d}, want {100, 50, 150}",
			acc.InputTokens, acc.OutputTokens, acc.TotalTokens)
	}
	if acc.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", acc.RequestCount)
	}
	if _, ok := events.byRequest["req-1"]; !ok {
		t.Error("event not appended to the durable log")
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	events := newMemEventLog()
	accounts := newMemAccounts()
	agg := New(events, accounts, zap.NewNop())
	ctx := context.Background()

	ev := event("t1", "req-1", 100, 50)
	if err := agg.Process(ctx, ev); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if err := agg.Process(ctx, ev); err != nil {
		t.Fatalf("redelivered Process must be a clean no-op, got: %v", err)
	}

	acc, _ := accounts.Get(ctx, "t1")
	if acc.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d after redelivery, want 150", acc.TotalTokens)
	}
	if acc.RequestCount != 1 {
		t.Errorf("RequestCount = %d after redelivery, want 1", acc.RequestCount)
	}
}

// A crash between the log append and the fold leaves the event logged but
// not aggregated. The redelivery sees a log duplicate and must still fold.
func TestProcessFinishesPartialApplication(t *testing.T) {
	events := newMemEventLog()
	accounts := newMemAccounts()
	agg := New(events, accounts, zap.NewNop())
	ctx := context.Background()

	ev := event("t1", "req-1", 100, 50)
	if err := events.Append(ctx, ev); err != nil {
		t.Fatalf("setup append failed: %v", err)
	}

	if err := agg.Process(ctx, ev); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, err := accounts.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("account never created: %v", err)
	}
	if acc.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", acc.TotalTokens)
	}
}

func TestProcessConcurrentTenantsAccumulate(t *testing.T) {
	events := newMemEventLog()
	accounts := newMemAccounts()
	agg := New(events, accounts, zap.NewNop())
	ctx := context.Background()

	for i, ev := range []*usage.Event{
		event("t1", "req-1", 100, 50),
		event("t2", "req-2", 10, 5),
		event("t1", "req-3", 200, 100),
	} {
		if err := agg.Process(ctx, ev); err != nil {
			t.Fatalf("Process event %d failed: %v", i, err)
		}
	}

	t1, _ := accounts.Get(ctx, "t1")
	if t1.TotalTokens != 450 || t1.RequestCount != 2 {
		t.Errorf("t1 = {%d tokens, %d requests}, want {450, 2}", t1.TotalTokens, t1.RequestCount)
	}
	t2, _ := accounts.Get(ctx, "t2")
	if t2.TotalTokens != 15 || t2.RequestCount != 1 {
		t.Errorf("t2 = {%d tokens, %d requests}, want {15, 1}", t2.TotalTokens, t2.RequestCount)
	}
}

func TestProcessRejectsIncompleteEvent(t *testing.T) {
	agg := New(newMemEventLog(), newMemAccounts(), zap.NewNop())
	ctx := context.Background()

	if err := agg.Process(ctx, event("", "req-1", 1, 1)); err == nil {
		t.Error("expected error for missing tenant id")
	}
	if err := agg.Process(ctx, event("t1", "", 1, 1)); err == nil {
		t.Error("expected error for missing request id")
	}
}

func TestProcessErrorsLeaveEventRetriable(t *testing.T) {
	events := newMemEventLog()
	accounts := newMemAccounts()
	accounts.applyErr = errors.New("deadlock detected")
	agg := New(events, accounts, zap.NewNop())
	ctx := context.Background()

	ev := event("t1", "req-1", 100, 50)
	if err := agg.Process(ctx, ev); err == nil {
		t.Fatal("expected error when the fold fails")
	}

	// Retry after the store recovers must complete the fold.
	accounts.applyErr = nil
	if err := agg.Process(ctx, ev); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	acc, _ := accounts.Get(ctx, "t1")
	if acc.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d after retry, want 150", acc.TotalTokens)
	}
}
