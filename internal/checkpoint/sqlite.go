package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Checkpointer backed by a pure-Go (CGO-free) SQLite
// database opened in WAL mode, so a concurrent reader (e.g. a status
// CLI) never blocks the dispatch loop's writes.
type SQLiteStore struct {
	mu   sync.Mutex
	conn *sql.DB
}

// OpenSQLite opens (creating if necessary) the checkpoint database at
// path and applies schema migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			key TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT,
			objective TEXT,
			status TEXT,
			workspace_path TEXT,
			created_at DATETIME,
			updated_at DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate checkpoint schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (key, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, key, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blob []byte
	err := s.conn.QueryRowContext(ctx, "SELECT blob FROM checkpoints WHERE key = ?", key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return blob, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, "DELETE FROM checkpoints WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.QueryContext(ctx, "SELECT key FROM checkpoints")
	if err != nil {
		return nil, fmt.Errorf("list checkpoint keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertRunSummary writes the `runs` index row used by list views
// without requiring a full blob deserialization.
func (s *SQLiteStore) UpsertRunSummary(ctx context.Context, runID, threadID, objective, status, workspacePath string, createdAt, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, thread_id, objective, status, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status, workspace_path = excluded.workspace_path, updated_at = excluded.updated_at
	`, runID, threadID, objective, status, workspacePath, createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert run summary %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

var _ Checkpointer = (*SQLiteStore)(nil)
