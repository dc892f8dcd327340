// Package admin serves the operator surface: user lifecycle, key issuance
// and revocation, quota management, and usage reads. All routes sit behind
// a single static operator token.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/llm-broker/internal/httpapi"
	"github.com/vnmchuo/llm-broker/internal/keys"
	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	saveKeyBanner    = "Save this key now. It will not be shown again."
)

// Defaults are the quota values assigned to newly created users.
type Defaults struct {
	DailyRequests   int64
	DailyTokens     int64
	MonthlySpendCap *decimal.Decimal
	MaxConcurrent   int
}

type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id string) (*store.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*store.User, error)
	UpdateUserStatus(ctx context.Context, id, status string) error
	CreateQuota(ctx context.Context, q *store.Quota) error
	GetQuota(ctx context.Context, userID string) (*store.Quota, error)
	UpdateQuota(ctx context.Context, userID string, patch store.QuotaPatch) (*store.Quota, error)
	ListKeysByUser(ctx context.Context, userID string) ([]*store.APIKey, error)
	GetKey(ctx context.Context, id string) (*store.APIKey, error)
	ListUsage(ctx context.Context, userID string, limit int) ([]*store.UsageRecord, error)
	GetDayUsage(ctx context.Context, userID, day string) (*store.DayUsage, error)
	SumUsageRange(ctx context.Context, userID, fromDay, toDay string) (*store.UsageTotals, error)
}

type Handler struct {
	store    Store
	keys     *keys.Service
	token    string
	defaults Defaults
	validate *validator.Validate
}

func NewHandler(st Store, keySvc *keys.Service, operatorToken string, defaults Defaults) *Handler {
	return &Handler{
		store:    st,
		keys:     keySvc,
		token:    operatorToken,
		defaults: defaults,
		validate: validator.New(),
	}
}

// Routes mounts the admin surface on a chi router, token check included.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireOperator)

	r.Post("/users", h.handleCreateUser)
	r.Get("/users", h.handleListUsers)
	r.Get("/users/{userID}", h.handleGetUser)
	r.Post("/users/{userID}/suspend", h.handleSuspendUser)
	r.Post("/users/{userID}/activate", h.handleActivateUser)
	r.Post("/users/{userID}/keys", h.handleCreateKey)
	r.Delete("/keys/{keyID}", h.handleRevokeKey)
	r.Patch("/users/{userID}/quota", h.handleUpdateQuota)
	r.Get("/users/{userID}/usage", h.handleGetUsage)
	return r
}

// requireOperator compares the bearer token against the configured
// operator token in constant time.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			httpapi.Error(w, http.StatusUnauthorized, httpapi.KindUnauthorized, "missing operator token")
			return
		}
		presented := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			httpapi.Error(w, http.StatusForbidden, httpapi.KindForbidden, "invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createUserRequest struct {
	Email *string `json:"email" validate:"omitempty,email,max=320"`
	Name  *string `json:"name" validate:"omitempty,max=200"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "invalid user fields")
		return
	}

	now := time.Now()
	user := &store.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Name:      req.Name,
		Status:    store.UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpapi.Error(w, http.StatusConflict, httpapi.KindValidationError, "email is already registered")
			return
		}
		h.internal(w, ctx, "create user", err)
		return
	}

	q := &store.Quota{
		UserID:          user.ID,
		DailyRequests:   h.defaults.DailyRequests,
		DailyTokens:     h.defaults.DailyTokens,
		MonthlySpendCap: h.defaults.MonthlySpendCap,
		MaxConcurrent:   h.defaults.MaxConcurrent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.CreateQuota(ctx, q); err != nil {
		h.internal(w, ctx, "create default quota", err)
		return
	}

	httpapi.JSON(w, http.StatusCreated, userBody(user))
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset := queryInt(r, "offset", 0, 0, 1<<30)
	limit := queryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)

	users, err := h.store.ListUsers(ctx, offset, limit)
	if err != nil {
		h.internal(w, ctx, "list users", err)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, userBody(u))
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{
		"users":  out,
		"offset": offset,
		"limit":  limit,
	})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.notFoundOrInternal(w, ctx, "get user", err)
		return
	}
	q, err := h.store.GetQuota(ctx, userID)
	if err != nil {
		h.internal(w, ctx, "get quota", err)
		return
	}
	userKeys, err := h.store.ListKeysByUser(ctx, userID)
	if err != nil {
		h.internal(w, ctx, "list keys", err)
		return
	}
	stats, err := h.usageStats(ctx, userID)
	if err != nil {
		h.internal(w, ctx, "usage stats", err)
		return
	}

	keyList := make([]map[string]any, 0, len(userKeys))
	for _, k := range userKeys {
		keyList = append(keyList, keyBody(k))
	}

	httpapi.JSON(w, http.StatusOK, map[string]any{
		"user":  userBody(user),
		"quota": quotaBody(q),
		"usage": stats,
		"keys":  keyList,
	})
}

func (h *Handler) handleSuspendUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.store.UpdateUserStatus(ctx, userID, store.UserSuspended); err != nil {
		h.notFoundOrInternal(w, ctx, "suspend user", err)
		return
	}
	if err := h.keys.RevokeAllForUser(ctx, userID); err != nil {
		h.internal(w, ctx, "revoke keys on suspend", err)
		return
	}
	logging.FromContext(ctx).Info("user suspended", "user_id", userID)
	httpapi.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": store.UserSuspended})
}

// handleActivateUser restores the account status only. Keys revoked during
// suspension stay revoked and must be reissued.
func (h *Handler) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.store.UpdateUserStatus(ctx, userID, store.UserActive); err != nil {
		h.notFoundOrInternal(w, ctx, "activate user", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": store.UserActive})
}

type createKeyRequest struct {
	Name *string `json:"name" validate:"omitempty,max=200"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if _, err := h.store.GetUser(ctx, userID); err != nil {
		h.notFoundOrInternal(w, ctx, "get user for key", err)
		return
	}

	var req createKeyRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "request body is not valid JSON")
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "invalid key fields")
			return
		}
	}

	key, plaintext, err := h.keys.Create(ctx, userID, req.Name)
	if err != nil {
		h.internal(w, ctx, "create key", err)
		return
	}

	body := keyBody(key)
	body["key"] = plaintext
	body["banner"] = saveKeyBanner
	httpapi.JSON(w, http.StatusCreated, body)
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "keyID")

	if err := h.keys.Revoke(ctx, keyID); err != nil {
		h.notFoundOrInternal(w, ctx, "revoke key", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"key_id": keyID, "status": store.KeyRevoked})
}

type updateQuotaRequest struct {
	DailyRequests   *int64           `json:"daily_requests" validate:"omitempty,min=0"`
	DailyTokens     *int64           `json:"daily_tokens" validate:"omitempty,min=0"`
	MonthlySpendCap json.RawMessage  `json:"monthly_spend_cap_usd"`
	MaxConcurrent   *int             `json:"max_concurrent_requests" validate:"omitempty,min=1,max=1000"`
}

func (h *Handler) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req updateQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "invalid quota fields")
		return
	}

	patch := store.QuotaPatch{
		DailyRequests: req.DailyRequests,
		DailyTokens:   req.DailyTokens,
		MaxConcurrent: req.MaxConcurrent,
	}
	// monthly_spend_cap_usd distinguishes absent (keep), null (uncap), and
	// a value.
	if len(req.MonthlySpendCap) > 0 {
		if string(req.MonthlySpendCap) == "null" {
			var none *decimal.Decimal
			patch.MonthlySpendCap = &none
		} else {
			var cap decimal.Decimal
			if err := json.Unmarshal(req.MonthlySpendCap, &cap); err != nil || cap.IsNegative() {
				httpapi.Error(w, http.StatusBadRequest, httpapi.KindValidationError, "monthly_spend_cap_usd must be a non-negative number or null")
				return
			}
			capPtr := &cap
			patch.MonthlySpendCap = &capPtr
		}
	}

	q, err := h.store.UpdateQuota(ctx, userID, patch)
	if err != nil {
		h.notFoundOrInternal(w, ctx, "update quota", err)
		return
	}
	httpapi.JSON(w, http.StatusOK, quotaBody(q))
}

func (h *Handler) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if _, err := h.store.GetUser(ctx, userID); err != nil {
		h.notFoundOrInternal(w, ctx, "get user for usage", err)
		return
	}

	stats, err := h.usageStats(ctx, userID)
	if err != nil {
		h.internal(w, ctx, "usage stats", err)
		return
	}
	limit := queryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	records, err := h.store.ListUsage(ctx, userID, limit)
	if err != nil {
		h.internal(w, ctx, "list usage", err)
		return
	}

	recList := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		recList = append(recList, usageBody(rec))
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"stats":   stats,
		"records": recList,
	})
}

// usageStats gathers today / this-month / all-time totals.
func (h *Handler) usageStats(ctx context.Context, userID string) (map[string]any, error) {
	now := time.Now()
	today := store.Day(now)
	firstOfMonth := store.Day(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()))

	var todayStats map[string]any
	agg, err := h.store.GetDayUsage(ctx, userID, today)
	switch {
	case err == nil:
		todayStats = map[string]any{
			"requests": agg.RequestCount,
			"tokens":   agg.TotalTokens,
			"cost_usd": agg.TotalCost,
		}
	case errors.Is(err, store.ErrNotFound):
		todayStats = map[string]any{
			"requests": 0,
			"tokens":   0,
			"cost_usd": decimal.Zero,
		}
	default:
		return nil, err
	}

	month, err := h.store.SumUsageRange(ctx, userID, firstOfMonth, today)
	if err != nil {
		return nil, err
	}
	allTime, err := h.store.SumUsageRange(ctx, userID, "", "")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"today":      todayStats,
		"this_month": totalsBody(month),
		"all_time":   totalsBody(allTime),
	}, nil
}

func (h *Handler) internal(w http.ResponseWriter, ctx context.Context, op string, err error) {
	logging.FromContext(ctx).Error("admin operation failed", "op", op, "error", err)
	httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
}

func (h *Handler) notFoundOrInternal(w http.ResponseWriter, ctx context.Context, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Error(w, http.StatusNotFound, httpapi.KindNotFound, "no such resource")
		return
	}
	h.internal(w, ctx, op, err)
}

func userBody(u *store.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.Name,
		"status":     u.Status,
		"created_at": u.CreatedAt.Format(time.RFC3339),
		"updated_at": u.UpdatedAt.Format(time.RFC3339),
	}
}

func keyBody(k *store.APIKey) map[string]any {
	body := map[string]any{
		"id":         k.ID,
		"user_id":    k.UserID,
		"prefix":     k.Prefix,
		"name":       k.Name,
		"status":     k.Status,
		"created_at": k.CreatedAt.Format(time.RFC3339),
	}
	if k.LastUsedAt != nil {
		body["last_used_at"] = k.LastUsedAt.Format(time.RFC3339)
	} else {
		body["last_used_at"] = nil
	}
	return body
}

func quotaBody(q *store.Quota) map[string]any {
	return map[string]any{
		"user_id":                 q.UserID,
		"daily_requests":          q.DailyRequests,
		"daily_tokens":            q.DailyTokens,
		"monthly_spend_cap_usd":   q.MonthlySpendCap,
		"max_concurrent_requests": q.MaxConcurrent,
		"updated_at":              q.UpdatedAt.Format(time.RFC3339),
	}
}

func usageBody(rec *store.UsageRecord) map[string]any {
	return map[string]any{
		"id":                rec.ID,
		"request_id":        rec.RequestID,
		"provider":          rec.Provider,
		"model":             rec.Model,
		"input_tokens":      rec.InputTokens,
		"output_tokens":     rec.OutputTokens,
		"cost_estimate_usd": rec.CostEstimate,
		"latency_ms":        rec.LatencyMs,
		"status":            rec.Status,
		"error_message":     rec.ErrorMessage,
		"created_at":        rec.CreatedAt.Format(time.RFC3339),
	}
}

func totalsBody(t *store.UsageTotals) map[string]any {
	return map[string]any{
		"requests": t.Requests,
		"tokens":   t.Tokens,
		"cost_usd": t.CostUSD,
	}
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
