package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RecordUsage inserts an immutable usage record and folds it into the
// owning user's daily aggregate, atomically. A duplicate request_id fails
// the whole transaction with ErrConflict and leaves the aggregate untouched.
func (s *Store) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert, args, err := s.sb.Insert("usage_records").
		Columns("id", "user_id", "request_id", "provider", "model", "input_tokens",
			"output_tokens", "cost_estimate_usd", "latency_ms", "status", "error_message", "created_at").
		Values(rec.ID, rec.UserID, rec.RequestID, rec.Provider, rec.Model, rec.InputTokens,
			rec.OutputTokens, rec.CostEstimate, rec.LatencyMs, rec.Status, rec.ErrorMessage,
			timeToMs(rec.CreatedAt)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("usage for request %s already recorded: %w", rec.RequestID, ErrConflict)
		}
		return fmt.Errorf("insert usage record: %w", err)
	}

	day := Day(rec.CreatedAt)
	tokens := int64(rec.InputTokens + rec.OutputTokens)
	upsert, args, err := s.sb.Insert("daily_usage").
		Columns("user_id", "day", "request_count", "total_tokens", "total_cost_usd").
		Values(rec.UserID, day, 1, tokens, rec.CostEstimate).
		Suffix(`ON CONFLICT (user_id, day) DO UPDATE SET
			request_count = daily_usage.request_count + excluded.request_count,
			total_tokens = daily_usage.total_tokens + excluded.total_tokens,
			total_cost_usd = daily_usage.total_cost_usd + excluded.total_cost_usd`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage transaction: %w", err)
	}
	return nil
}

func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]*UsageRecord, error) {
	query, args, err := s.sb.Select("id", "user_id", "request_id", "provider", "model",
		"input_tokens", "output_tokens", "cost_estimate_usd", "latency_ms", "status",
		"error_message", "created_at").
		From("usage_records").
		Where("user_id = ?", userID).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var (
			rec       UsageRecord
			errMsg    sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.RequestID, &rec.Provider, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostEstimate, &rec.LatencyMs, &rec.Status,
			&errMsg, &createdMs); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		rec.CreatedAt = msToTime(createdMs)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// GetDayUsage returns the aggregate row for (userID, day), or ErrNotFound
// when the user has no recorded usage for that day.
func (s *Store) GetDayUsage(ctx context.Context, userID, day string) (*DayUsage, error) {
	query, args, err := s.sb.Select("user_id", "day", "request_count", "total_tokens", "total_cost_usd").
		From("daily_usage").
		Where("user_id = ?", userID).
		Where("day = ?", day).
		ToSql()
	if err != nil {
		return nil, err
	}
	var d DayUsage
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&d.UserID, &d.Day, &d.RequestCount, &d.TotalTokens, &d.TotalCost,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get day usage: %w", err)
	}
	return &d, nil
}

// SumUsageRange totals the daily aggregates for day keys in [fromDay, toDay].
// Empty bounds are open-ended.
func (s *Store) SumUsageRange(ctx context.Context, userID, fromDay, toDay string) (*UsageTotals, error) {
	builder := s.sb.Select(
		"COALESCE(SUM(request_count), 0)",
		"COALESCE(SUM(total_tokens), 0)",
		"COALESCE(SUM(total_cost_usd), 0)",
	).From("daily_usage").Where("user_id = ?", userID)
	if fromDay != "" {
		builder = builder.Where("day >= ?", fromDay)
	}
	if toDay != "" {
		builder = builder.Where("day <= ?", toDay)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var (
		totals UsageTotals
		cost   decimal.Decimal
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&totals.Requests, &totals.Tokens, &cost); err != nil {
		return nil, fmt.Errorf("sum usage range: %w", err)
	}
	totals.CostUSD = cost
	return &totals, nil
}
