package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPRuntimeInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/agent-1/invocations" {
			t.Errorf("Expected path /agents/agent-1/invocations, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Bearer auth header, got %q", r.Header.Get("Authorization"))
		}

		var req invokeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != "hello" {
			t.Errorf("Expected message hello, got %q", req.Message)
		}
		if req.SessionID != "sess-1" {
			t.Errorf("Expected session sess-1, got %q", req.SessionID)
		}

		json.NewEncoder(w).Encode(invokeResponse{
			Completion: "hi there",
			Usage:      invokeUsage{InputTokens: 12, OutputTokens: 8},
		})
	}))
	defer server.Close()

	runtime := NewHTTPRuntime(server.URL, "test-key")
	result, err := runtime.Invoke(context.Background(), &Request{
		AgentID:   "agent-1",
		SessionID: "sess-1",
		InputText: "hello",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Completion != "hi there" {
		t.Errorf("Expected completion 'hi there', got %q", result.Completion)
	}
	if result.InputTokens != 12 || result.OutputTokens != 8 {
		t.Errorf("Expected usage {12, 8}, got {%d, %d}", result.InputTokens, result.OutputTokens)
	}
	if result.LatencyMs < 0 {
		t.Errorf("Expected non-negative latency, got %d", result.LatencyMs)
	}
}

func TestHTTPRuntimeEmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(invokeResponse{
			Usage: invokeUsage{InputTokens: 5, OutputTokens: 0},
		})
	}))
	defer server.Close()

	runtime := NewHTTPRuntime(server.URL, "")
	result, err := runtime.Invoke(context.Background(), &Request{AgentID: "a", InputText: "x"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Completion == "" {
		t.Error("Expected placeholder completion for empty runtime response")
	}
}

func TestHTTPRuntimeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	runtime := NewHTTPRuntime(server.URL, "")
	_, err := runtime.Invoke(context.Background(), &Request{AgentID: "a", InputText: "x"})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestHTTPRuntimeCircuitBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	runtime := NewHTTPRuntime(server.URL, "")
	req := &Request{AgentID: "a", InputText: "x"}

	for i := 0; i < 3; i++ {
		if _, err := runtime.Invoke(context.Background(), req); err == nil {
			t.Fatalf("Expected failure %d", i)
		}
	}

	_, err := runtime.Invoke(context.Background(), req)
	if err == nil {
		t.Fatal("Expected open-circuit error")
	}
	if !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("Expected breaker to be open after consecutive failures, got %v", err)
	}
}

func TestEchoRuntime(t *testing.T) {
	runtime := NewEchoRuntime()

	result, err := runtime.Invoke(context.Background(), &Request{
		AgentID:   "agent-1",
		InputText: "hello world",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(result.Completion, "hello world") {
		t.Errorf("Expected echo to contain input, got %q", result.Completion)
	}
	if result.InputTokens < 1 || result.OutputTokens < 1 {
		t.Errorf("Expected token floor of 1, got {%d, %d}", result.InputTokens, result.OutputTokens)
	}
}

func TestEchoRuntimeEmptyInput(t *testing.T) {
	runtime := NewEchoRuntime()
	if _, err := runtime.Invoke(context.Background(), &Request{AgentID: "a"}); err == nil {
		t.Fatal("Expected error for empty input")
	}
}
