package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPRuntime invokes agents over HTTP. Calls run through a circuit breaker
// so a dead runtime sheds load fast instead of stacking up timeouts.
type HTTPRuntime struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type invokeRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type invokeResponse struct {
	Completion string      `json:"completion"`
	Usage      invokeUsage `json:"usage"`
}

type invokeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func NewHTTPRuntime(baseURL, apiKey string) *HTTPRuntime {
	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &HTTPRuntime{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 90 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (r *HTTPRuntime) Name() string {
	return "http"
}

func (r *HTTPRuntime) Invoke(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.invoke(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	res := result.(*Result)
	res.LatencyMs = time.Since(start).Milliseconds()
	return res, nil
}

func (r *HTTPRuntime) invoke(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(invokeRequest{
		Message:   req.InputText,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/agents/%s/invocations", r.baseURL, req.AgentID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.apiKey))
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent runtime error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var invokeResp invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&invokeResp); err != nil {
		return nil, err
	}

	completion := invokeResp.Completion
	if completion == "" {
		completion = "Agent processed the request successfully."
	}

	return &Result{
		Completion:   completion,
		InputTokens:  invokeResp.Usage.InputTokens,
		OutputTokens: invokeResp.Usage.OutputTokens,
	}, nil
}
