package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	query, args, err := s.sb.Insert("users").
		Columns("id", "email", "name", "status", "created_at", "updated_at").
		Values(u.ID, u.Email, u.Name, u.Status, timeToMs(u.CreatedAt), timeToMs(u.UpdatedAt)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email already in use: %w", ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	query, args, err := s.sb.Select("id", "email", "name", "status", "created_at", "updated_at").
		From("users").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanUser(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*User, error) {
	query, args, err := s.sb.Select("id", "email", "name", "status", "created_at", "updated_at").
		From("users").
		OrderBy("created_at DESC").
		Offset(uint64(offset)).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var (
			u                    User
			email, name          sql.NullString
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&u.ID, &email, &name, &u.Status, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		fillUser(&u, email, name, createdMs, updatedMs)
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	query, args, err := s.sb.Update("users").
		Set("status", status).
		Set("updated_at", timeToMs(time.Now())).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u                    User
		email, name          sql.NullString
		createdMs, updatedMs int64
	)
	err := row.Scan(&u.ID, &email, &name, &u.Status, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	fillUser(&u, email, name, createdMs, updatedMs)
	return &u, nil
}

func fillUser(u *User, email, name sql.NullString, createdMs, updatedMs int64) {
	if email.Valid {
		u.Email = &email.String
	}
	if name.Valid {
		u.Name = &name.String
	}
	u.CreatedAt = msToTime(createdMs)
	u.UpdatedAt = msToTime(updatedMs)
}
