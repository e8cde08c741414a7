package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polisai/panelflow/pkg/domain"
)

const summarySchemaSQL = `
CREATE TABLE IF NOT EXISTS summary_caches (
    workspace_id    TEXT        NOT NULL,
    node_id         INTEGER     NOT NULL,
    version         INTEGER     NOT NULL DEFAULT 1,
    folder_path     TEXT        NOT NULL,
    reduced_summary TEXT        NOT NULL DEFAULT '',
    reduced_at      TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (workspace_id, node_id)
);

CREATE TABLE IF NOT EXISTS summary_files (
    workspace_id  TEXT        NOT NULL,
    node_id       INTEGER     NOT NULL,
    path          TEXT        NOT NULL,
    content_hash  TEXT        NOT NULL,
    summary       TEXT        NOT NULL DEFAULT '',
    summarized_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (workspace_id, node_id, path),
    FOREIGN KEY (workspace_id, node_id)
        REFERENCES summary_caches(workspace_id, node_id) ON DELETE CASCADE
);
`

// PostgresSummaryStore implements SummaryStore using PostgreSQL via pgx.
type PostgresSummaryStore struct {
	db *pgxpool.Pool
}

// NewPostgresSummaryStore creates a store backed by the given pgx connection pool.
func NewPostgresSummaryStore(db *pgxpool.Pool) *PostgresSummaryStore {
	return &PostgresSummaryStore{db: db}
}

// OpenPostgresSummaryStore connects to dsn and ensures the schema exists.
func OpenPostgresSummaryStore(ctx context.Context, dsn string) (*PostgresSummaryStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	store := NewPostgresSummaryStore(pool)
	if err := store.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// CreateSchema creates the summary tables if they don't exist.
func (s *PostgresSummaryStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, summarySchemaSQL); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// DropSchema drops the summary tables.
func (s *PostgresSummaryStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS summary_files, summary_caches CASCADE;`)
	return err
}

// Load fetches the cache header and every file entry for key.
func (s *PostgresSummaryStore) Load(ctx context.Context, key SummaryKey) (*domain.SummaryCache, error) {
	cache := &domain.SummaryCache{Files: make(map[string]domain.FileSummary)}
	var reducedAt *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT version, folder_path, reduced_summary, reduced_at
		   FROM summary_caches WHERE workspace_id = $1 AND node_id = $2`,
		key.WorkspaceID, int(key.NodeID),
	).Scan(&cache.Version, &cache.FolderPath, &cache.ReducedSummary, &reducedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load summary cache %s: %w", key, err)
	}
	cache.ReducedAt = reducedAt

	rows, err := s.db.Query(ctx,
		`SELECT path, content_hash, summary, summarized_at
		   FROM summary_files WHERE workspace_id = $1 AND node_id = $2`,
		key.WorkspaceID, int(key.NodeID))
	if err != nil {
		return nil, fmt.Errorf("storage: load summary files %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var fs domain.FileSummary
		if err := rows.Scan(&path, &fs.ContentHash, &fs.Summary, &fs.SummarizedAt); err != nil {
			return nil, fmt.Errorf("storage: scan summary file: %w", err)
		}
		cache.Files[path] = fs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate summary files: %w", err)
	}

	return cache, nil
}

// Save replaces the cache for key in a single transaction.
func (s *PostgresSummaryStore) Save(ctx context.Context, key SummaryKey, cache *domain.SummaryCache) error {
	if cache == nil {
		return fmt.Errorf("storage: save summary cache %s: nil cache", key)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO summary_caches (workspace_id, node_id, version, folder_path, reduced_summary, reduced_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (workspace_id, node_id) DO UPDATE
		   SET version = EXCLUDED.version,
		       folder_path = EXCLUDED.folder_path,
		       reduced_summary = EXCLUDED.reduced_summary,
		       reduced_at = EXCLUDED.reduced_at,
		       updated_at = NOW()`,
		key.WorkspaceID, int(key.NodeID), cache.Version, cache.FolderPath, cache.ReducedSummary, cache.ReducedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert summary cache %s: %w", key, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM summary_files WHERE workspace_id = $1 AND node_id = $2`,
		key.WorkspaceID, int(key.NodeID),
	); err != nil {
		return fmt.Errorf("storage: clear summary files %s: %w", key, err)
	}

	if len(cache.Files) > 0 {
		batch := &pgx.Batch{}
		for path, fs := range cache.Files {
			batch.Queue(
				`INSERT INTO summary_files (workspace_id, node_id, path, content_hash, summary, summarized_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				key.WorkspaceID, int(key.NodeID), path, fs.ContentHash, fs.Summary, fs.SummarizedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: insert summary files %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit summary cache %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSummaryStore) Close() error {
	s.db.Close()
	return nil
}
