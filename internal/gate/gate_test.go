package gate

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
)

type fakeAccounts struct {
	accounts map[string]*account.Account
	err      error
}

func (f *fakeAccounts) Get(ctx context.Context, tenantID string) (*account.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acc, ok := f.accounts[tenantID]
	if !ok {
		return nil, account.ErrNotFound
	}
	return acc, nil
}

func limitOf(n int64) *int64 { return &n }

func TestCheckDecisions(t *testing.T) {
	accounts := &fakeAccounts{accounts: map[string]*account.Account{
		"tenant-under":   {TenantID: "tenant-under", TotalTokens: 900, TokenLimit: limitOf(1000)},
		"tenant-at":      {TenantID: "tenant-at", TotalTokens: 1000, TokenLimit: limitOf(1000)},
		"tenant-over":    {TenantID: "tenant-over", TotalTokens: 1010, TokenLimit: limitOf(1000)},
		"tenant-nolimit": {TenantID: "tenant-nolimit", TotalTokens: 5000000},
		"tenant-zero":    {TenantID: "tenant-zero", TotalTokens: 0, TokenLimit: limitOf(1000)},
	}}
	g := New(accounts, zap.NewNop())

	tests := []struct {
		name        string
		tenantID    string
		wantAllowed bool
		wantReason  string
	}{
		{"under limit allows", "tenant-under", true, ReasonWithinLimit},
		{"exactly at limit denies", "tenant-at", false, ReasonLimitExceeded},
		{"over limit denies", "tenant-over", false, ReasonLimitExceeded},
		{"no limit always allows", "tenant-nolimit", true, ReasonNoLimit},
		{"zero usage allows", "tenant-zero", true, ReasonWithinLimit},
		{"unknown tenant allows", "tenant-missing", true, ReasonNoAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Check(context.Background(), tt.tenantID)
			if err != nil {
				t.Fatalf("Check returned error: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.wantAllowed)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
			if d.TenantID != tt.tenantID {
				t.Errorf("TenantID = %q, want %q", d.TenantID, tt.tenantID)
			}
		})
	}
}

func TestCheckDenialCarriesLimitAndUsage(t *testing.T) {
	accounts := &fakeAccounts{accounts: map[string]*account.Account{
		"t1": {TenantID: "t1", TotalTokens: 1010, TokenLimit: limitOf(1000)},
	}}
	g := New(accounts, zap.NewNop())

	d, err := g.Check(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.TokenLimit != 1000 {
		t.Errorf("TokenLimit = %d, want 1000", d.TokenLimit)
	}
	if d.CurrentUsage != 1010 {
		t.Errorf("CurrentUsage = %d, want 1010", d.CurrentUsage)
	}
}

func TestCheckStoreUnavailableFailClosed(t *testing.T) {
	accounts := &fakeAccounts{err: errors.New("connection refused")}
	g := New(accounts, zap.NewNop())

	d, err := g.Check(context.Background(), "t1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
	if d.Allowed {
		t.Error("fail-closed gate must deny when the store is unreachable")
	}
	if d.Reason != ReasonStoreUnavailable {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonStoreUnavailable)
	}
}

func TestCheckStoreUnavailableFailOpen(t *testing.T) {
	accounts := &fakeAccounts{err: errors.New("connection refused")}
	g := New(accounts, zap.NewNop(), WithFailOpen())

	d, err := g.Check(context.Background(), "t1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
	if !d.Allowed {
		t.Error("fail-open gate must allow when the store is unreachable")
	}
}

// Admission tracks the aggregated snapshot: t1 passes under its budget,
// is denied once usage catches up past it; t2 with no budget never denies.
func TestCheckScenario(t *testing.T) {
	t1 := &account.Account{TenantID: "t1", TotalTokens: 900, TokenLimit: limitOf(1000)}
	t2 := &account.Account{TenantID: "t2", TotalTokens: 0}
	accounts := &fakeAccounts{accounts: map[string]*account.Account{"t1": t1, "t2": t2}}
	g := New(accounts, zap.NewNop())
	ctx := context.Background()

	d, _ := g.Check(ctx, "t1")
	if !d.Allowed {
		t.Fatal("t1 at 900/1000 should be admitted")
	}

	t1.TotalTokens = 1010
	d, _ = g.Check(ctx, "t1")
	if d.Allowed {
		t.Fatal("t1 at 1010/1000 should be denied")
	}
	if d.TokenLimit != 1000 || d.CurrentUsage != 1010 {
		t.Errorf("denial = {limit %d, usage %d}, want {1000, 1010}", d.TokenLimit, d.CurrentUsage)
	}

	t2.TotalTokens = 99999999
	d, _ = g.Check(ctx, "t2")
	if !d.Allowed {
		t.Fatal("t2 without a budget must always be admitted")
	}
}
