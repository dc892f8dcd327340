package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"

	// Register the pgx stdlib driver for the server backend.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Register the modernc SQLite driver for the embedded backend.
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// schemaVersion is the newest migration this binary knows how to apply.
const schemaVersion = 1

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// Store is the shared persistence layer. One instance serves all requests;
// database/sql pools connections underneath.
type Store struct {
	db      *sql.DB
	sb      sq.StatementBuilderType
	dialect string
}

// Open connects to Postgres when databaseURL is set, otherwise to the
// embedded SQLite file at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string) (*Store, error) {
	if databaseURL != "" {
		db, err := sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Store{
			db:      db,
			sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
			dialect: dialectPostgres,
		}, nil
	}

	dsn := sqlitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The embedded store serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{
		db:      db,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		dialect: dialectSQLite,
	}, nil
}

// Migrate applies the embedded schema migrations. It refuses to start when
// the database reports a schema version newer than this binary understands.
func (s *Store) Migrate(ctx context.Context) error {
	gooseDialect := "postgres"
	dir := "migrations/postgres"
	if s.dialect == dialectSQLite {
		gooseDialect = "sqlite3"
		dir = "migrations/sqlite"
	}

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	current, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, schemaVersion)
	}

	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func timeToMs(t time.Time) int64 { return t.UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

func msToTimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}
