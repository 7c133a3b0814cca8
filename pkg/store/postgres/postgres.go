// Package postgres implements store.UploadStore on PostgreSQL via a
// pgx connection pool. Schema migrations are embedded and applied at
// startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/transpo-project/transpo/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the PostgreSQL error code for a primary key or
// unique constraint collision.
const uniqueViolation = "23505"

// Config holds pool settings.
type Config struct {
	DatabaseURL    string
	MaxConnections int32
	ConnectTimeout time.Duration
}

// Store is a pgx-backed UploadStore.
type Store struct {
	pool *pgxpool.Pool
}

// New dials the database, applies pending migrations and returns the
// store.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil || config.DatabaseURL == "" {
		return nil, errors.New("postgres: database URL is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(config.DatabaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func migrateUp(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Insert stores a new row, mapping primary key collisions to
// store.ErrDuplicateID.
func (s *Store) Insert(ctx context.Context, upload *store.Upload) error {
	query := `
		INSERT INTO uploads (
			id, file_name, mime_type, password_hash,
			remaining_downloads, expire_after, is_completed
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		upload.ID,
		upload.FileName,
		upload.MimeType,
		upload.PasswordHash,
		upload.RemainingDownloads,
		upload.ExpireAfter.UTC(),
		upload.IsCompleted,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// SelectByID returns the row or store.ErrNotFound.
func (s *Store) SelectByID(ctx context.Context, id int64) (*store.Upload, error) {
	query := `
		SELECT id, file_name, mime_type, password_hash,
		       remaining_downloads, expire_after, is_completed
		FROM uploads
		WHERE id = $1`

	upload := &store.Upload{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&upload.ID,
		&upload.FileName,
		&upload.MimeType,
		&upload.PasswordHash,
		&upload.RemainingDownloads,
		&upload.ExpireAfter,
		&upload.IsCompleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to select upload: %w", err)
	}
	upload.ExpireAfter = upload.ExpireAfter.UTC()
	return upload, nil
}

// DecrementRemainingDownloads decrements a non-null counter.
func (s *Store) DecrementRemainingDownloads(ctx context.Context, id int64) error {
	query := `
		UPDATE uploads
		SET remaining_downloads = remaining_downloads - 1
		WHERE id = $1 AND remaining_downloads IS NOT NULL`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to decrement remaining downloads: %w", err)
	}
	return nil
}

// SetCompleted flips the completion flag.
func (s *Store) SetCompleted(ctx context.Context, id int64, completed bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE uploads SET is_completed = $2 WHERE id = $1`, id, completed)
	if err != nil {
		return fmt.Errorf("failed to update completion flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteByID removes the row if present.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

// SelectExpiredIDs lists ids past their expiry or with a depleted
// download counter.
func (s *Store) SelectExpiredIDs(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		SELECT id FROM uploads
		WHERE expire_after < $1
		   OR (remaining_downloads IS NOT NULL AND remaining_downloads <= 0)`

	rows, err := s.pool.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select expired uploads: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// ListAllIDs lists every stored id.
func (s *Store) ListAllIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM uploads`)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan upload id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read upload ids: %w", err)
	}
	return ids, nil
}
