// Package agent abstracts the external agent runtime. Deploying and hosting
// agents happens elsewhere; this service only needs to invoke one and read
// the token usage back.
package agent

import (
	"context"
)

type Request struct {
	AgentID   string
	SessionID string
	InputText string
	// Metadata carried for tracing and usage attribution
	TenantID  string
	RequestID string
}

type Result struct {
	Completion   string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
}

type Runtime interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
	Name() string
}
