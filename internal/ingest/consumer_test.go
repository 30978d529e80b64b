package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/agent-gateway/internal/usage"
)

func TestDecodeMessage(t *testing.T) {
	payload, _ := json.Marshal(&usage.Event{
		TenantID:     "t1",
		RequestID:    "req-1",
		AgentID:      "agent-1",
		InputTokens:  100,
		OutputTokens: 50,
	})

	ev, err := decodeMessage(redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": string(payload)},
	})
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if ev.TenantID != "t1" || ev.RequestID != "req-1" {
		t.Errorf("decoded ids = {%s, %s}, want {t1, req-1}", ev.TenantID, ev.RequestID)
	}
	if ev.TotalTokens() != 150 {
		t.Errorf("TotalTokens = %d, want 150", ev.TotalTokens())
	}
}

func TestDecodeMessageRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing data field", map[string]interface{}{}},
		{"not json", map[string]interface{}{"data": "{nope"}},
		{"missing tenant id", map[string]interface{}{"data": `{"request_id":"req-1"}`}},
		{"missing request id", map[string]interface{}{"data": `{"tenant_id":"t1"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeMessage(redis.XMessage{ID: "1-0", Values: tt.values}); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, time.Minute},
	}

	for _, tt := range tests {
		if got := backoffFor(tt.retries); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
