package filestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"collabspace/database"
)

// PostgresStore persists file content in the files table (see
// database/schema.go). The revision column is the store's own counter and
// is independent of the engine's per-session operation version.
type PostgresStore struct {
	db database.Database
}

// NewPostgresStore creates a Store backed by the given database.
func NewPostgresStore(db database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Read returns the stored file or ErrNotFound.
func (s *PostgresStore) Read(ctx context.Context, path string) (File, error) {
	f := File{Path: path}
	err := s.db.QueryRow(ctx,
		`SELECT content, revision FROM files WHERE path = $1`,
		path).Scan(&f.Content, &f.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	return f, nil
}

// Write upserts content under path, bumping the revision.
func (s *PostgresStore) Write(ctx context.Context, path, content string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO files (path, content, revision, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (path) DO UPDATE
		SET content = EXCLUDED.content,
		    revision = files.revision + 1,
		    updated_at = NOW()`,
		path, content)
	if err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return nil
}
