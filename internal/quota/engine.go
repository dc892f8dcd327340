package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/llm-broker/internal/pricing"
	"github.com/vnmchuo/llm-broker/internal/store"
)

// Dimensions a refusal can name.
const (
	DimDailyRequests = "daily_requests"
	DimDailyTokens   = "daily_tokens"
	DimMonthlySpend  = "monthly_spend"
	DimConcurrency   = "concurrency"
)

// Refusal is returned by Admit when a limit is reached. Limit and Used are
// decimals so request counts, token counts, and dollar amounts share one
// shape. ResetsAt is zero for the concurrency dimension.
type Refusal struct {
	Dimension string
	Limit     decimal.Decimal
	Used      decimal.Decimal
	ResetsAt  time.Time
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("quota refused: %s limit %s used %s", r.Dimension, r.Limit, r.Used)
}

type Store interface {
	GetQuota(ctx context.Context, userID string) (*store.Quota, error)
	GetDayUsage(ctx context.Context, userID, day string) (*store.DayUsage, error)
	SumUsageRange(ctx context.Context, userID, fromDay, toDay string) (*store.UsageTotals, error)
	RecordUsage(ctx context.Context, rec *store.UsageRecord) error
}

// Engine admits requests against persisted aggregates plus the in-process
// concurrency counter, and records usage after the upstream call finishes.
type Engine struct {
	store   Store
	counter *ConcurrencyCounter
	now     func() time.Time
}

func NewEngine(st Store) *Engine {
	return &Engine{store: st, counter: NewConcurrencyCounter(), now: time.Now}
}

// Lease is the proof of admission. Release returns the concurrency slot and
// is safe to call more than once; Record releases implicitly.
type Lease struct {
	UserID     string
	AdmittedAt time.Time

	engine  *Engine
	release sync.Once
}

func (l *Lease) Release() {
	l.release.Do(func() { l.engine.counter.Release(l.UserID) })
}

// Admit evaluates the user's limits in fixed order: daily requests, daily
// tokens, monthly spend, then concurrency. The first exhausted limit wins
// and later checks are not evaluated. Aggregates only reflect completed
// requests, so bursts can overshoot token limits by at most
// max_concurrent_requests worth of in-flight work.
func (e *Engine) Admit(ctx context.Context, userID string) (*Lease, error) {
	q, err := e.store.GetQuota(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user %s has no quota row: %w", userID, err)
		}
		return nil, fmt.Errorf("load quota: %w", err)
	}

	now := e.now()
	day := store.Day(now)

	var usedRequests, usedTokens int64
	agg, err := e.store.GetDayUsage(ctx, userID, day)
	switch {
	case err == nil:
		usedRequests = agg.RequestCount
		usedTokens = agg.TotalTokens
	case errors.Is(err, store.ErrNotFound):
		// No usage today yet.
	default:
		return nil, fmt.Errorf("load daily aggregate: %w", err)
	}

	if usedRequests >= q.DailyRequests {
		return nil, &Refusal{
			Dimension: DimDailyRequests,
			Limit:     decimal.NewFromInt(q.DailyRequests),
			Used:      decimal.NewFromInt(usedRequests),
			ResetsAt:  nextMidnight(now),
		}
	}
	if usedTokens >= q.DailyTokens {
		return nil, &Refusal{
			Dimension: DimDailyTokens,
			Limit:     decimal.NewFromInt(q.DailyTokens),
			Used:      decimal.NewFromInt(usedTokens),
			ResetsAt:  nextMidnight(now),
		}
	}

	if q.MonthlySpendCap != nil {
		firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		totals, err := e.store.SumUsageRange(ctx, userID, store.Day(firstOfMonth), day)
		if err != nil {
			return nil, fmt.Errorf("sum month-to-date spend: %w", err)
		}
		if totals.CostUSD.GreaterThanOrEqual(*q.MonthlySpendCap) {
			return nil, &Refusal{
				Dimension: DimMonthlySpend,
				Limit:     *q.MonthlySpendCap,
				Used:      totals.CostUSD,
				ResetsAt:  firstOfNextMonth(now),
			}
		}
	}

	if !e.counter.TryAcquire(userID, q.MaxConcurrent) {
		return nil, &Refusal{
			Dimension: DimConcurrency,
			Limit:     decimal.NewFromInt(int64(q.MaxConcurrent)),
			Used:      decimal.NewFromInt(int64(e.counter.Current(userID))),
		}
	}

	return &Lease{UserID: userID, AdmittedAt: now, engine: e}, nil
}

// Outcome describes a finished upstream call, successful or not.
type Outcome struct {
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Status       string
	ErrorMessage *string
}

// Record writes the usage record and folds it into the daily aggregate,
// then releases the lease. The release happens even when the write fails.
func (e *Engine) Record(ctx context.Context, lease *Lease, out Outcome) error {
	defer lease.Release()

	now := e.now()
	rec := &store.UsageRecord{
		ID:           uuid.NewString(),
		UserID:       lease.UserID,
		RequestID:    out.RequestID,
		Provider:     out.Provider,
		Model:        out.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostEstimate: pricing.EstimateCost(out.Provider, out.Model, out.InputTokens, out.OutputTokens),
		LatencyMs:    now.Sub(lease.AdmittedAt).Milliseconds(),
		Status:       out.Status,
		ErrorMessage: out.ErrorMessage,
		CreatedAt:    now,
	}
	if err := e.store.RecordUsage(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Dimension reports limit, used, and remaining for one quota axis. Limit is
// nil for an uncapped monthly spend.
type Dimension struct {
	Limit     *decimal.Decimal `json:"limit"`
	Used      decimal.Decimal  `json:"used"`
	Remaining *decimal.Decimal `json:"remaining"`
}

type Snapshot struct {
	DailyRequests Dimension `json:"daily_requests"`
	DailyTokens   Dimension `json:"daily_tokens"`
	MonthlySpend  Dimension `json:"monthly_spend"`
	MaxConcurrent int       `json:"max_concurrent_requests"`
	InFlight      int       `json:"in_flight_requests"`
}

// Inspect returns the user's current standing on every quota axis.
func (e *Engine) Inspect(ctx context.Context, userID string) (*Snapshot, error) {
	q, err := e.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}

	now := e.now()
	day := store.Day(now)

	var usedRequests, usedTokens int64
	agg, err := e.store.GetDayUsage(ctx, userID, day)
	switch {
	case err == nil:
		usedRequests = agg.RequestCount
		usedTokens = agg.TotalTokens
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load daily aggregate: %w", err)
	}

	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	totals, err := e.store.SumUsageRange(ctx, userID, store.Day(firstOfMonth), day)
	if err != nil {
		return nil, fmt.Errorf("sum month-to-date spend: %w", err)
	}

	snap := &Snapshot{
		DailyRequests: boundedDimension(q.DailyRequests, usedRequests),
		DailyTokens:   boundedDimension(q.DailyTokens, usedTokens),
		MonthlySpend: Dimension{
			Used: totals.CostUSD,
		},
		MaxConcurrent: q.MaxConcurrent,
		InFlight:      e.counter.Current(userID),
	}
	if q.MonthlySpendCap != nil {
		cap := *q.MonthlySpendCap
		remaining := cap.Sub(totals.CostUSD)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		snap.MonthlySpend.Limit = &cap
		snap.MonthlySpend.Remaining = &remaining
	}
	return snap, nil
}

func boundedDimension(limit, used int64) Dimension {
	l := decimal.NewFromInt(limit)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	r := decimal.NewFromInt(remaining)
	return Dimension{Limit: &l, Used: decimal.NewFromInt(used), Remaining: &r}
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func firstOfNextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
