package agent

import (
	"context"
	"fmt"
)

// EchoRuntime is the local-dev runtime: it echoes the input back and charges
// token counts derived from the text length, so the usage pipeline can be
// exercised without a deployed agent.
type EchoRuntime struct{}

func NewEchoRuntime() *EchoRuntime {
	return &EchoRuntime{}
}

func (r *EchoRuntime) Name() string {
	return "echo"
}

func (r *EchoRuntime) Invoke(_ context.Context, req *Request) (*Result, error) {
	if req.InputText == "" {
		return nil, fmt.Errorf("input text is required")
	}

	completion := fmt.Sprintf("echo from %s: %s", req.AgentID, req.InputText)
	// Rough 4-chars-per-token heuristic, floor 1.
	inputTokens := int64(len(req.InputText)/4) + 1
	outputTokens := int64(len(completion)/4) + 1

	return &Result{
		Completion:   completion,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    0,
	}, nil
}
