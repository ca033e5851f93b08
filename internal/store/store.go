package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"farm-market/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the Postgres-backed product, inventory and order repository
type Store struct {
	db         *sqlx.DB
	maxRetries int
}

// NewStore opens and verifies a pooled database connection
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db, cfg.TxMaxRetries), nil
}

// NewStoreFromDB wraps an existing connection pool
func NewStoreFromDB(db *sqlx.DB, txMaxRetries int) *Store {
	return &Store{db: db, maxRetries: txMaxRetries}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded *.up.sql files in lexical order. The scripts
// are written to be re-runnable.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", strings.TrimPrefix(name, "migrations/"), err)
		}
	}

	return nil
}
