package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func (s *Store) CreateQuota(ctx context.Context, q *Quota) error {
	var capVal any
	if q.MonthlySpendCap != nil {
		capVal = *q.MonthlySpendCap
	}
	query, args, err := s.sb.Insert("user_quotas").
		Columns("user_id", "daily_requests", "daily_tokens", "monthly_spend_cap_usd",
			"max_concurrent_requests", "created_at", "updated_at").
		Values(q.UserID, q.DailyRequests, q.DailyTokens, capVal, q.MaxConcurrent,
			timeToMs(q.CreatedAt), timeToMs(q.UpdatedAt)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create quota: %w", err)
	}
	return nil
}

func (s *Store) GetQuota(ctx context.Context, userID string) (*Quota, error) {
	query, args, err := s.sb.Select("user_id", "daily_requests", "daily_tokens",
		"monthly_spend_cap_usd", "max_concurrent_requests", "created_at", "updated_at").
		From("user_quotas").
		Where("user_id = ?", userID).
		ToSql()
	if err != nil {
		return nil, err
	}

	var (
		q                    Quota
		capVal               decimal.NullDecimal
		createdMs, updatedMs int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&q.UserID, &q.DailyRequests, &q.DailyTokens, &capVal, &q.MaxConcurrent,
		&createdMs, &updatedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quota: %w", err)
	}
	if capVal.Valid {
		q.MonthlySpendCap = &capVal.Decimal
	}
	q.CreatedAt = msToTime(createdMs)
	q.UpdatedAt = msToTime(updatedMs)
	return &q, nil
}

// UpdateQuota applies a partial update; nil patch fields keep their current
// value. The updated row is returned.
func (s *Store) UpdateQuota(ctx context.Context, userID string, patch QuotaPatch) (*Quota, error) {
	update := s.sb.Update("user_quotas").
		Set("updated_at", timeToMs(time.Now())).
		Where("user_id = ?", userID)

	changed := false
	if patch.DailyRequests != nil {
		update = update.Set("daily_requests", *patch.DailyRequests)
		changed = true
	}
	if patch.DailyTokens != nil {
		update = update.Set("daily_tokens", *patch.DailyTokens)
		changed = true
	}
	if patch.MonthlySpendCap != nil {
		if *patch.MonthlySpendCap == nil {
			update = update.Set("monthly_spend_cap_usd", nil)
		} else {
			update = update.Set("monthly_spend_cap_usd", **patch.MonthlySpendCap)
		}
		changed = true
	}
	if patch.MaxConcurrent != nil {
		update = update.Set("max_concurrent_requests", *patch.MaxConcurrent)
		changed = true
	}
	if !changed {
		return s.GetQuota(ctx, userID)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetQuota(ctx, userID)
}
