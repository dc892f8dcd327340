package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateKey(ctx context.Context, k *APIKey) error {
	query, args, err := s.sb.Insert("api_keys").
		Columns("id", "user_id", "key_hash", "prefix", "name", "status", "created_at", "last_used_at").
		Values(k.ID, k.UserID, k.KeyHash, k.Prefix, k.Name, k.Status, timeToMs(k.CreatedAt), nil).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, id string) (*APIKey, error) {
	return s.queryOneKey(ctx, "id = ?", id)
}

// GetActiveKeysByPrefix returns every active key whose stored prefix equals
// the given value. Revoked keys never match.
func (s *Store) GetActiveKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	query, args, err := s.sb.Select(keyColumns...).
		From("api_keys").
		Where("prefix = ?", prefix).
		Where("status = ?", KeyActive).
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryKeys(ctx, query, args)
}

func (s *Store) ListKeysByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	query, args, err := s.sb.Select(keyColumns...).
		From("api_keys").
		Where("user_id = ?", userID).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryKeys(ctx, query, args)
}

func (s *Store) RevokeKey(ctx context.Context, id string) error {
	query, args, err := s.sb.Update("api_keys").
		Set("status", KeyRevoked).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RevokeKeysForUser(ctx context.Context, userID string) error {
	query, args, err := s.sb.Update("api_keys").
		Set("status", KeyRevoked).
		Where("user_id = ?", userID).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revoke keys for user: %w", err)
	}
	return nil
}

func (s *Store) TouchKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	query, args, err := s.sb.Update("api_keys").
		Set("last_used_at", timeToMs(at)).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

var keyColumns = []string{
	"id", "user_id", "key_hash", "prefix", "name", "status", "created_at", "last_used_at",
}

func (s *Store) queryOneKey(ctx context.Context, pred string, arg any) (*APIKey, error) {
	query, args, err := s.sb.Select(keyColumns...).
		From("api_keys").Where(pred, arg).ToSql()
	if err != nil {
		return nil, err
	}
	var (
		k         APIKey
		name      sql.NullString
		createdMs int64
		lastUsed  sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.Prefix, &name, &k.Status, &createdMs, &lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if name.Valid {
		k.Name = &name.String
	}
	k.CreatedAt = msToTime(createdMs)
	k.LastUsedAt = msToTimePtr(lastUsed)
	return &k, nil
}

func (s *Store) queryKeys(ctx context.Context, query string, args []any) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var (
			k         APIKey
			name      sql.NullString
			createdMs int64
			lastUsed  sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Prefix, &name, &k.Status, &createdMs, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if name.Valid {
			k.Name = &name.String
		}
		k.CreatedAt = msToTime(createdMs)
		k.LastUsedAt = msToTimePtr(lastUsed)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
