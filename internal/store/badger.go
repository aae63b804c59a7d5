package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/utils"
)

const keyPrefix = "resume:"

// BadgerStore keeps one JSON value per path under "resume:<path>". Every call
// runs in its own transaction.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) a store in dir; dir == "" keeps it in memory.
func OpenBadger(dir string) (*BadgerStore, error) {
	log := utils.GetLogger("store")
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating state directory: %w", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger store: %w", err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

func recordKey(path string) []byte {
	return []byte(keyPrefix + path)
}

func (s *BadgerStore) Get(path string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(path))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			decoded, err := decodeRecord(v)
			if err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable resume record")
				return nil
			}
			rec = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading resume record: %w", err)
	}
	return rec, nil
}

func (s *BadgerStore) Init(path string, size int64, etag, lastModified, name, url string) error {
	data, err := encodeRecord(&Record{
		Path:         path,
		FileName:     name,
		URL:          url,
		FileSize:     size,
		ETag:         etag,
		LastModified: lastModified,
		Progress:     progress.Entry{},
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(path), data)
	})
}

func (s *BadgerStore) Update(path string, entry progress.Entry, elapsedMs int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec := &Record{Path: path}
		item, err := txn.Get(recordKey(path))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				if decoded, err := decodeRecord(v); err == nil {
					rec = decoded
				}
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		rec.Progress = entry.Clone()
		if rec.Progress == nil {
			rec.Progress = progress.Entry{}
		}
		rec.ElapsedMs = elapsedMs
		rec.UpdatedAt = time.Now()
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(path), data)
	})
}

func (s *BadgerStore) Remove(path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(path))
	})
}

func (s *BadgerStore) List() ([]Record, error) {
	var records []Record
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				if rec, err := decodeRecord(v); err == nil {
					records = append(records, *rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing resume records: %w", err)
	}
	return records, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into zerolog at debug level,
// keeping warnings and errors visible.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error().Msgf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn().Msgf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debug().Msgf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Trace().Msgf(f, v...) }

var _ Store = (*BadgerStore)(nil)
