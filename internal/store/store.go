package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tanq16/rangedl/internal/progress"
)

const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Record is the persisted resume state of one destination file.
type Record struct {
	Path         string         `json:"path"`
	FileName     string         `json:"file_name"`
	URL          string         `json:"url"`
	FileSize     int64          `json:"file_size"`
	ETag         string         `json:"etag"`
	LastModified string         `json:"last_modified"`
	Progress     progress.Entry `json:"progress"`
	ElapsedMs    int64          `json:"elapsed_ms"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Matches reports whether the record was written against the same remote
// version, as identified by its validators.
func (r *Record) Matches(etag, lastModified string) bool {
	return r.ETag == etag && r.LastModified == lastModified
}

// Store keeps resume records keyed by absolute destination path. Get returns
// (nil, nil) when the record is missing or cannot be decoded.
type Store interface {
	Get(path string) (*Record, error)
	Init(path string, size int64, etag, lastModified, name, url string) error
	Update(path string, entry progress.Entry, elapsedMs int64) error
	Remove(path string) error
	List() ([]Record, error)
	Close() error
}

// Open selects a backend by name. An empty location opens an in-memory
// Badger store.
func Open(backend, location string) (Store, error) {
	switch backend {
	case "", BackendBadger:
		return OpenBadger(location)
	case BackendSQLite:
		return OpenSQLite(location)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("error encoding record: %w", err)
	}
	return data, nil
}

// decodeRecord rejects records whose progress is not a sorted, disjoint set
// of non-empty ranges.
func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if err := validEntry(rec.Progress); err != nil {
		return nil, err
	}
	return &rec, nil
}

func validEntry(entry progress.Entry) error {
	var prevEnd int64 = -1
	for _, r := range entry {
		if r.Start < 0 || r.Empty() || r.Start <= prevEnd {
			return fmt.Errorf("invalid progress range %s", r)
		}
		prevEnd = r.End
	}
	return nil
}
