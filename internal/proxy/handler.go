// Package proxy exposes the HTTP surface: agent invocation with admission
// control, tenant budget management, and usage read endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/agent"
	"github.com/vnmchuo/agent-gateway/internal/auth"
	"github.com/vnmchuo/agent-gateway/internal/gate"
	"github.com/vnmchuo/agent-gateway/internal/limits"
	"github.com/vnmchuo/agent-gateway/internal/usage"
	"github.com/vnmchuo/agent-gateway/pkg/ratelimit"
)

// EventPublisher hands completed-invocation usage to the ingest queue.
type EventPublisher interface {
	Publish(ctx context.Context, ev *usage.Event) (string, error)
}

// estimated token charge against the TPM window when the request carries no
// better signal
const defaultTokenEstimate = 1000

type Handler struct {
	gate      *gate.Gate
	runtime   agent.Runtime
	accounts  account.Store
	events    usage.Store
	publisher EventPublisher
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewHandler(
	g *gate.Gate,
	runtime agent.Runtime,
	accounts account.Store,
	events usage.Store,
	publisher EventPublisher,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		gate:      g,
		runtime:   runtime,
		accounts:  accounts,
		events:    events,
		publisher: publisher,
		limiter:   limiter,
		tracer:    tracer,
		logger:    logger,
	}
}

type invokeRequest struct {
	InputText string `json:"inputText"`
	SessionID string `json:"sessionId"`
}

// HandleInvoke runs the full inference path: admission check against the
// tenant budget, the external agent call, then a fire-and-forget usage event
// onto the queue. The caller never waits on aggregation.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "agentID is required"})
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.InputText == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "inputText is required"})
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("agent_id", agentID),
	)

	estimate := defaultTokenEstimate + len(req.InputText)/4
	allowed, err := h.limiter.Allow(ctx, tenantID, estimate)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		respondJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	decision, err := h.gate.Check(ctx, tenantID)
	if err != nil && !decision.Allowed {
		// Fail-closed: the budget could not be read, so the request is
		// denied rather than risk unmetered spend.
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "admission check unavailable",
		})
		return
	}
	if !decision.Allowed {
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":        "token limit exceeded",
			"tenantId":     decision.TenantID,
			"tokenLimit":   decision.TokenLimit,
			"currentUsage": decision.CurrentUsage,
		})
		return
	}

	result, err := h.runtime.Invoke(ctx, &agent.Request{
		AgentID:   agentID,
		SessionID: req.SessionID,
		InputText: req.InputText,
		TenantID:  tenantID,
		RequestID: requestID,
	})
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	// Publish usage asynchronously; the response does not wait on it.
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, pubErr := h.publisher.Publish(pubCtx, &usage.Event{
			TenantID:     tenantID,
			RequestID:    requestID,
			AgentID:      agentID,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			Timestamp:    time.Now().UTC(),
		})
		if pubErr != nil {
			h.logger.Error("failed to publish usage event",
				zap.String("tenant_id", tenantID),
				zap.String("request_id", requestID),
				zap.Error(pubErr),
			)
		}
	}()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"completion": result.Completion,
		"sessionId":  req.SessionID,
		"requestId":  requestID,
		"usage": map[string]int64{
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
			"total_tokens":  result.InputTokens + result.OutputTokens,
		},
	})
}

type setLimitRequest struct {
	TokenLimit json.RawMessage `json:"tokenLimit"`
}

// HandleSetLimit validates and stores a tenant budget. The limit may arrive
// as a JSON number or a numeric string; anything that is not a whole number
// >= 1 is a 400 with the specific validation failure.
func (h *Handler) HandleSetLimit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "tenantId is required"})
		return
	}

	var req setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	limit, err := limits.ParseTokenLimit(rawToString(req.TokenLimit))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.accounts.SetLimit(r.Context(), tenantID, limit); err != nil {
		if errors.Is(err, account.ErrInvalidLimit) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to set token limit",
			zap.String("tenant_id", tenantID), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set token limit"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"tenantId":   tenantID,
		"tokenLimit": limit,
	})
}

// rawToString flattens a JSON number, string, or null into the string form
// the validator expects. Untyped input gets exactly one typed-parse step,
// here at the boundary.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// tenantView is an account snapshot plus the derived display fields the
// dashboard needs.
type tenantView struct {
	TenantID     string      `json:"tenant_id"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	TotalTokens  int64       `json:"total_tokens"`
	RequestCount int64       `json:"request_count"`
	TokenLimit   *int64      `json:"token_limit,omitempty"`
	UsagePercent *float64    `json:"usage_percent,omitempty"`
	UsageBand    limits.Band `json:"usage_band"`
	TotalCostUSD string      `json:"total_cost_usd"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func toView(acc *account.Account) tenantView {
	v := tenantView{
		TenantID:     acc.TenantID,
		InputTokens:  acc.InputTokens,
		OutputTokens: acc.OutputTokens,
		TotalTokens:  acc.TotalTokens,
		RequestCount: acc.RequestCount,
		TokenLimit:   acc.TokenLimit,
		TotalCostUSD: acc.TotalCost.String(),
		UpdatedAt:    acc.UpdatedAt,
	}

	var limit int64
	if acc.TokenLimit != nil {
		limit = *acc.TokenLimit
	}
	percent, ok := limits.UsagePercent(acc.TotalTokens, limit)
	if ok {
		v.UsagePercent = &percent
	}
	v.UsageBand = limits.Classify(percent, ok)
	return v
}

// HandleListTenants returns every known tenant account with derived usage
// percentage, band, and cost for the dashboard.
func (h *Handler) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list tenant accounts", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list tenants"})
		return
	}

	views := make([]tenantView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, toView(acc))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": views,
		"count":   len(views),
	})
}

// HandleGetTenant returns one tenant account. Unknown tenants are a 404
// here, unlike the enforcement gate where absence means allow.
func (h *Handler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	acc, err := h.accounts.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to get tenant account",
			zap.String("tenant_id", tenantID), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get tenant"})
		return
	}

	respondJSON(w, http.StatusOK, toView(acc))
}

// HandleDeleteTenant removes a tenant's aggregate record entirely. The raw
// usage log is retained for audit.
func (h *Handler) HandleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := h.accounts.Delete(r.Context(), tenantID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to delete tenant account",
			zap.String("tenant_id", tenantID), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete tenant"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"tenantId": tenantID,
	})
}

// HandleTenantEvents lists the raw usage log for one tenant, newest first.
// Defaults to the last 30 days.
func (h *Handler) HandleTenantEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	events, err := h.events.ListByTenant(r.Context(), tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to list usage events",
			zap.String("tenant_id", tenantID), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list usage events"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"count":     len(events),
		"events":    events,
		"from":      from,
		"to":        to,
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
