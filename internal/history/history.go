package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mediaqgo/internal/models"
)

const (
	FileName     = "history.db"
	DefaultLimit = 100
)

// Store keeps a record of every task that completed successfully.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, FileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		source TEXT NOT NULL,
		output_path TEXT NOT NULL,
		format TEXT NOT NULL,
		quality TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, entry models.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query := `INSERT INTO history (title, source, output_path, format, quality, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		entry.Title, entry.Source, entry.OutputPath, entry.Format, entry.Quality, entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT title, source, output_path, format, quality, created_at FROM history ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry   models.HistoryEntry
			created int64
		)
		if err := rows.Scan(&entry.Title, &entry.Source, &entry.OutputPath, &entry.Format, &entry.Quality, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.CreatedAt = time.Unix(0, created)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Clear deletes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}
