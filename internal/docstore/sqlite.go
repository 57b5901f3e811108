package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StoredDoc is one persisted document.
type StoredDoc struct {
	Path       string
	Data       Data
	CreateTime time.Time
	UpdateTime time.Time
}

// Persister is the durable backend behind Memory.
type Persister interface {
	LoadAll() ([]StoredDoc, error)
	Put(doc StoredDoc) error
	Remove(path string) error
	Close() error
}

// SQLite persists documents in a single table keyed by path.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenSQLite opens or creates the database file at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path        TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			data        TEXT NOT NULL,
			create_time INTEGER NOT NULL,
			update_time INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS documents_collection ON documents(collection);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &SQLite{db: db, path: dbPath}, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) LoadAll() ([]StoredDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT path, data, create_time, update_time FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredDoc
	for rows.Next() {
		var (
			p      string
			raw    string
			ct, ut int64
		)
		if err := rows.Scan(&p, &raw, &ct, &ut); err != nil {
			return nil, err
		}
		var d Data
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		out = append(out, StoredDoc{
			Path:       p,
			Data:       d,
			CreateTime: time.Unix(0, ct).UTC(),
			UpdateTime: time.Unix(0, ut).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLite) Put(doc StoredDoc) error {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return err
	}
	collection, _ := Split(doc.Path)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO documents (path, collection, data, create_time, update_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, update_time = excluded.update_time`,
		doc.Path, collection, string(raw), doc.CreateTime.UnixNano(), doc.UpdateTime.UnixNano())
	return err
}

func (s *SQLite) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Persister = (*SQLite)(nil)
