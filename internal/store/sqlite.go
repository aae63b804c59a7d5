package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/utils"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS resume_records (
	path          TEXT PRIMARY KEY,
	file_name     TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	file_size     INTEGER NOT NULL DEFAULT 0,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	progress      TEXT NOT NULL DEFAULT '[]',
	elapsed_ms    INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore persists records in a single resume_records table.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens the database file at path and bootstraps the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store needs a file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating state directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}
	return &SQLiteStore{db: db, log: utils.GetLogger("store")}, nil
}

func (s *SQLiteStore) Get(path string) (*Record, error) {
	row := s.db.QueryRow(`SELECT path, file_name, url, file_size, etag, last_modified, progress, elapsed_ms, updated_at
		FROM resume_records WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if errors.Is(err, errGarbled) {
		s.log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable resume record")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading resume record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Init(path string, size int64, etag, lastModified, name, url string) error {
	_, err := s.db.Exec(`INSERT INTO resume_records (path, file_name, url, file_size, etag, last_modified, progress, elapsed_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', 0, ?)
		ON CONFLICT(path) DO UPDATE SET
			file_name = excluded.file_name, url = excluded.url, file_size = excluded.file_size,
			etag = excluded.etag, last_modified = excluded.last_modified,
			progress = '[]', elapsed_ms = 0, updated_at = excluded.updated_at`,
		path, name, url, size, etag, lastModified, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("error initializing resume record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(path string, entry progress.Entry, elapsedMs int64) error {
	if entry == nil {
		entry = progress.Entry{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error encoding progress: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO resume_records (path, progress, elapsed_ms, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			progress = excluded.progress, elapsed_ms = excluded.elapsed_ms, updated_at = excluded.updated_at`,
		path, string(data), elapsedMs, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("error updating resume record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(path string) error {
	if _, err := s.db.Exec(`DELETE FROM resume_records WHERE path = ?`, path); err != nil {
		return fmt.Errorf("error removing resume record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT path, file_name, url, file_size, etag, last_modified, progress, elapsed_ms, updated_at
		FROM resume_records ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("error listing resume records: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if errors.Is(err, errGarbled) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error listing resume records: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var errGarbled = errors.New("garbled resume record")

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var rawProgress string
	var updatedAt int64
	if err := row.Scan(&rec.Path, &rec.FileName, &rec.URL, &rec.FileSize, &rec.ETag,
		&rec.LastModified, &rawProgress, &rec.ElapsedMs, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawProgress), &rec.Progress); err != nil {
		return nil, fmt.Errorf("%w: %v", errGarbled, err)
	}
	if err := validEntry(rec.Progress); err != nil {
		return nil, fmt.Errorf("%w: %v", errGarbled, err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

var _ Store = (*SQLiteStore)(nil)
