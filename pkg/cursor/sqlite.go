package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const cursorSchema = `CREATE TABLE IF NOT EXISTS pool_cursor (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// SQLiteStore хранит курсор в локальной базе SQLite
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// OpenSQLite открывает (или создаёт) базу по пути path.
// name позволяет держать несколько курсоров в одной базе.
func OpenSQLite(ctx context.Context, path, name string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("создание каталога базы курсора: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("открытие базы курсора: %w", err)
	}
	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, cursorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("создание схемы курсора: %w", err)
	}

	if name == "" {
		name = "default"
	}
	return &SQLiteStore{db: db, name: name}, nil
}

// Load реализует Store
func (s *SQLiteStore) Load(ctx context.Context) (int, bool, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pool_cursor WHERE name = ?`, s.name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("чтение курсора: %w", err)
	}
	return value, true, nil
}

// Save реализует Store
func (s *SQLiteStore) Save(ctx context.Context, value int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_cursor (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		s.name, value)
	if err != nil {
		return fmt.Errorf("запись курсора: %w", err)
	}
	return nil
}

// Close закрывает базу
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
