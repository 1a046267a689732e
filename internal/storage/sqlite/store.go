package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/storage"
)

// Store is a SQLite implementation of storage.TokenStore.
type Store struct {
	db *sql.DB
}

var _ storage.TokenStore = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY,
			credential TEXT NOT NULL,
			usage_count INTEGER,
			usage_limit INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveToken inserts or replaces the record with rec.ID.
func (s *Store) SaveToken(ctx context.Context, rec pool.TokenRecord) error {
	now := time.Now()
	query := `INSERT INTO tokens (id, credential, usage_count, usage_limit, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            credential=excluded.credential,
	            usage_count=excluded.usage_count,
	            usage_limit=excluded.usage_limit,
	            updated_at=excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Credential, nullInt64(rec.Usage), nullInt64(rec.Limit), now, now)
	if err != nil {
		return fmt.Errorf("failed to save token %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteToken removes the record with id. Unknown ids are not an error.
func (s *Store) DeleteToken(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete token %d: %w", id, err)
	}
	return nil
}

// LoadTokens returns every stored record ordered by id.
func (s *Store) LoadTokens(ctx context.Context) ([]pool.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential, usage_count, usage_limit FROM tokens ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var records []pool.TokenRecord
	for rows.Next() {
		var rec pool.TokenRecord
		var usage, limit sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Credential, &usage, &limit); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		rec.Usage = int64Ptr(usage)
		rec.Limit = int64Ptr(limit)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
