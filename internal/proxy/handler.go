package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vnmchuo/llm-broker/internal/auth"
	"github.com/vnmchuo/llm-broker/internal/httpapi"
	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/provider"
	"github.com/vnmchuo/llm-broker/internal/quota"
	"github.com/vnmchuo/llm-broker/internal/store"
)

type CompletionMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,max=100000"`
}

type CompletionRequest struct {
	Provider       string              `json:"provider" validate:"omitempty,oneof=openai anthropic auto"`
	Model          string              `json:"model" validate:"omitempty,max=200"`
	Messages       []CompletionMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	Temperature    *float64            `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      *int                `json:"max_tokens" validate:"omitempty,min=1,max=16000"`
	ResponseFormat string              `json:"response_format" validate:"omitempty,oneof=text json"`
}

// Handler serves the authenticated end-user surface: completions, model
// discovery, and quota inspection.
type Handler struct {
	router     *Router
	engine     *quota.Engine
	validate   *validator.Validate
	logPrompts bool
}

func NewHandler(router *Router, engine *quota.Engine, logPrompts bool) *Handler {
	return &Handler{
		router:     router,
		engine:     engine,
		validate:   validator.New(),
		logPrompts: logPrompts,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)
	userID := auth.GetUserID(ctx)
	requestID := auth.GetRequestID(ctx)

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, validationMessage(err))
		return
	}

	lease, err := h.engine.Admit(ctx, userID)
	if err != nil {
		var refusal *quota.Refusal
		if errors.As(err, &refusal) {
			writeRefusal(w, refusal)
			return
		}
		log.Error("quota admission failed", "user_id", userID, "error", err)
		httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
		return
	}
	defer lease.Release()

	p, model, err := h.router.Select(req.Provider, req.Model)
	if err != nil {
		h.record(ctx, lease, quota.Outcome{
			RequestID: requestID,
			Provider:  provider.NameUnknown,
			Model:     provider.NameUnknown,
			Status:    store.UsageError,
			ErrorMessage: shortError(err),
		})
		var notAllowed *ModelNotAllowedError
		if errors.As(err, &notAllowed) {
			httpapi.Error(w, http.StatusBadRequest, httpapi.KindModelNotAllowed, notAllowed.Error())
			return
		}
		httpapi.Error(w, http.StatusServiceUnavailable, httpapi.KindNoProviderAvailable, "no upstream provider is configured")
		return
	}

	ctx, span := otel.Tracer("llm-broker").Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("provider", p.Name()),
		attribute.String("model", model),
	)

	preq := &provider.Request{
		Model:          model,
		Messages:       make([]provider.Message, len(req.Messages)),
		Temperature:    req.Temperature,
		ResponseFormat: req.ResponseFormat,
		RequestID:      requestID,
	}
	if req.MaxTokens != nil {
		preq.MaxTokens = *req.MaxTokens
	}
	for i, m := range req.Messages {
		preq.Messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	if h.logPrompts {
		log.Debug("dispatching completion",
			"provider", p.Name(), "model", model, "messages", req.Messages)
	} else {
		log.Debug("dispatching completion",
			"provider", p.Name(), "model", model, "message_count", len(req.Messages))
	}

	resp, err := h.router.Complete(ctx, p, preq)
	if err != nil {
		msg := shortError(err)
		if ctx.Err() != nil {
			canceled := "client_canceled"
			msg = &canceled
		}
		h.record(ctx, lease, quota.Outcome{
			RequestID:    requestID,
			Provider:     p.Name(),
			Model:        model,
			Status:       store.UsageError,
			ErrorMessage: msg,
		})
		if errors.Is(err, provider.ErrInvalidRequest) {
			httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, err.Error())
			return
		}
		httpapi.ErrorFields(w, http.StatusBadGateway, httpapi.KindLLMError,
			"upstream provider request failed", map[string]any{"request_id": requestID})
		return
	}

	h.record(ctx, lease, quota.Outcome{
		RequestID:    requestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Status:       store.UsageSuccess,
	})

	httpapi.JSON(w, http.StatusOK, map[string]any{
		"id":       requestID,
		"provider": resp.Provider,
		"model":    resp.Model,
		"content":  resp.Content,
		"usage": map[string]int{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"total_tokens":  resp.InputTokens + resp.OutputTokens,
		},
		"finish_reason": resp.FinishReason,
	})
}

// record writes the usage row on a context that survives client
// disconnects. A failed write is logged and does not alter the HTTP
// response already chosen for the client.
func (h *Handler) record(ctx context.Context, lease *quota.Lease, out quota.Outcome) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.engine.Record(recordCtx, lease, out); err != nil {
		logging.FromContext(ctx).Error("usage recording failed",
			"request_id", out.RequestID, "error", err)
	}
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	type providerModels struct {
		Provider     string   `json:"provider"`
		DefaultModel string   `json:"default_model"`
		Models       []string `json:"models"`
	}
	var out []providerModels
	for _, name := range selectionOrder {
		p, ok := h.router.providers[name]
		if !ok {
			continue
		}
		out = append(out, providerModels{
			Provider:     p.Name(),
			DefaultModel: p.DefaultModel(),
			Models:       p.SupportedModels(),
		})
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)

	snap, err := h.engine.Inspect(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("quota inspection failed", "user_id", userID, "error", err)
		httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
		return
	}
	httpapi.JSON(w, http.StatusOK, QuotaBody(userID, snap))
}

// QuotaBody renders a quota snapshot in the wire shape shared by the
// end-user and admin surfaces.
func QuotaBody(userID string, snap *quota.Snapshot) map[string]any {
	monthly := map[string]any{
		"cap_usd":       nil,
		"used_usd":      snap.MonthlySpend.Used,
		"remaining_usd": nil,
	}
	if snap.MonthlySpend.Limit != nil {
		monthly["cap_usd"] = *snap.MonthlySpend.Limit
		monthly["remaining_usd"] = *snap.MonthlySpend.Remaining
	}
	return map[string]any{
		"user_id":        userID,
		"daily_requests": dimensionBody(snap.DailyRequests),
		"daily_tokens":   dimensionBody(snap.DailyTokens),
		"monthly_spend":  monthly,
		"max_concurrent_requests": snap.MaxConcurrent,
	}
}

func dimensionBody(d quota.Dimension) map[string]any {
	return map[string]any{
		"limit":     d.Limit,
		"used":      d.Used,
		"remaining": d.Remaining,
	}
}

func writeRefusal(w http.ResponseWriter, r *quota.Refusal) {
	if r.Dimension == quota.DimConcurrency {
		httpapi.ErrorFields(w, http.StatusTooManyRequests, httpapi.KindTooManyConcurrent,
			"too many concurrent requests", map[string]any{
				"limit": r.Limit,
			})
		return
	}
	httpapi.ErrorFields(w, http.StatusTooManyRequests, httpapi.KindQuotaExceeded,
		"quota exceeded", map[string]any{
			"dimension": r.Dimension,
			"limit":     r.Limit,
			"used":      r.Used,
			"resets_at": r.ResetsAt.Format(time.RFC3339),
		})
}

// validationMessage flattens the first field error into a client-facing
// message without leaking struct internals.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return "invalid field " + fe.Namespace() + ": failed " + fe.Tag() + " constraint"
	}
	return "request body failed validation"
}

func shortError(err error) *string {
	msg := err.Error()
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &msg
}
