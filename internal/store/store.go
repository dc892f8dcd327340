package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflicts with an existing row")
)

// User status values.
const (
	UserActive    = "active"
	UserSuspended = "suspended"
	UserDeleted   = "deleted"
)

// API key status values.
const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// Usage record status values.
const (
	UsageSuccess = "success"
	UsageError   = "error"
)

type User struct {
	ID        string
	Email     *string
	Name      *string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string // PHC-encoded argon2id verifier, never the plaintext
	Prefix     string // first 12 characters of the plaintext, lookup index only
	Name       *string
	Status     string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

type Quota struct {
	UserID            string
	DailyRequests     int64
	DailyTokens       int64
	MonthlySpendCap   *decimal.Decimal // nil = unlimited
	MaxConcurrent     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QuotaPatch carries a partial quota update; nil fields are left unchanged.
type QuotaPatch struct {
	DailyRequests   *int64
	DailyTokens     *int64
	MonthlySpendCap **decimal.Decimal
	MaxConcurrent   *int
}

type UsageRecord struct {
	ID           string
	UserID       string
	RequestID    string
	Provider     string // openai, anthropic, unknown
	Model        string
	InputTokens  int
	OutputTokens int
	CostEstimate decimal.Decimal
	LatencyMs    int64
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
}

type DayUsage struct {
	UserID       string
	Day          string // YYYY-MM-DD in the server's local timezone
	RequestCount int64
	TotalTokens  int64
	TotalCost    decimal.Decimal
}

// UsageTotals summarizes a span of daily aggregates.
type UsageTotals struct {
	Requests  int64
	Tokens    int64
	CostUSD   decimal.Decimal
}

// Day formats t as an aggregate day key in t's location.
func Day(t time.Time) string {
	return t.Format("2006-01-02")
}
