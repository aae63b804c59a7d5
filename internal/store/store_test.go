package store

import (
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangedl/internal/progress"
)

func setupBadger(t *testing.T) *BadgerStore {
	s, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupSQLite(t *testing.T) *SQLiteStore {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("badger", func(t *testing.T) { fn(t, setupBadger(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLite(t)) })
}

func TestGetMissing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		rec, err := s.Get("/nowhere/file.bin")
		require.NoError(t, err)
		require.Nil(t, rec)
	})
}

func TestInitUpdateGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		req := require.New(t)
		path := "/tmp/dl/file.bin"
		req.NoError(s.Init(path, 5000, `"v1"`, "Mon, 01 Jan 2024 00:00:00 GMT", "file.bin", "http://h/file.bin"))

		rec, err := s.Get(path)
		req.NoError(err)
		req.NotNil(rec)
		req.Equal(int64(5000), rec.FileSize)
		req.Empty(rec.Progress)
		req.True(rec.Matches(`"v1"`, "Mon, 01 Jan 2024 00:00:00 GMT"))
		req.False(rec.Matches(`"v2"`, "Mon, 01 Jan 2024 00:00:00 GMT"))

		entry := progress.Entry{{Start: 0, End: 1000}, {Start: 2000, End: 2500}}
		req.NoError(s.Update(path, entry, 1234))
		rec, err = s.Get(path)
		req.NoError(err)
		req.Equal(entry, rec.Progress)
		req.Equal(int64(1234), rec.ElapsedMs)
		req.Equal("file.bin", rec.FileName)
		req.Equal("http://h/file.bin", rec.URL)

		// Init again starts over.
		req.NoError(s.Init(path, 6000, `"v2"`, "", "file.bin", "http://h/file.bin"))
		rec, err = s.Get(path)
		req.NoError(err)
		req.Empty(rec.Progress)
		req.Equal(int64(0), rec.ElapsedMs)
		req.Equal(int64(6000), rec.FileSize)
	})
}

func TestUpdateWithoutInitUpserts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		req := require.New(t)
		req.NoError(s.Update("/a", progress.Entry{{Start: 0, End: 10}}, 5))
		rec, err := s.Get("/a")
		req.NoError(err)
		req.Equal(progress.Entry{{Start: 0, End: 10}}, rec.Progress)
	})
}

func TestRoundTripInvertYieldsRemainingWork(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		req := require.New(t)
		const size = 10_000
		var entry progress.Entry
		entry = progress.Merge(entry, progress.Range{Start: 0, End: 1000})
		entry = progress.Merge(entry, progress.Range{Start: 4000, End: 7000})
		entry = progress.Merge(entry, progress.Range{Start: 9000, End: 10_000})
		req.NoError(s.Init("/f", size, "e", "", "f", "u"))
		req.NoError(s.Update("/f", entry, 0))

		rec, err := s.Get("/f")
		req.NoError(err)
		gaps := progress.Invert(rec.Progress, rec.FileSize)
		req.Equal(progress.Entry{{Start: 1000, End: 4000}, {Start: 7000, End: 9000}}, gaps)
		req.Equal(int64(size), progress.Total(rec.Progress)+progress.Total(gaps))
	})
}

func TestRemoveAndList(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		req := require.New(t)
		req.NoError(s.Init("/a", 10, "", "", "a", "u1"))
		req.NoError(s.Init("/b", 20, "", "", "b", "u2"))
		records, err := s.List()
		req.NoError(err)
		req.Len(records, 2)

		req.NoError(s.Remove("/a"))
		req.NoError(s.Remove("/does-not-exist"))
		records, err = s.List()
		req.NoError(err)
		req.Len(records, 1)
		req.Equal("/b", records[0].Path)

		rec, err := s.Get("/a")
		req.NoError(err)
		req.Nil(rec)
	})
}

func TestRecordsAreIndependent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		req := require.New(t)
		req.NoError(s.Init("/a", 100, "", "", "a", "u"))
		req.NoError(s.Init("/b", 100, "", "", "b", "u"))
		req.NoError(s.Update("/a", progress.Entry{{Start: 0, End: 50}}, 1))
		rec, err := s.Get("/b")
		req.NoError(err)
		req.Empty(rec.Progress)
	})
}

func TestBadgerGarbledRecordIsIgnored(t *testing.T) {
	req := require.New(t)
	s := setupBadger(t)
	req.NoError(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey("/bad"), []byte("{not json"))
	}))
	rec, err := s.Get("/bad")
	req.NoError(err)
	req.Nil(rec)

	req.NoError(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey("/overlap"), []byte(`{"progress":[{"start":0,"end":10},{"start":5,"end":20}]}`))
	}))
	rec, err = s.Get("/overlap")
	req.NoError(err)
	req.Nil(rec)
}

func TestSQLiteGarbledRecordIsIgnored(t *testing.T) {
	req := require.New(t)
	s := setupSQLite(t)
	_, err := s.db.Exec(`INSERT INTO resume_records (path, progress) VALUES ('/bad', 'garbage')`)
	req.NoError(err)
	rec, err := s.Get("/bad")
	req.NoError(err)
	req.Nil(rec)

	records, err := s.List()
	req.NoError(err)
	req.Empty(records)
}

func TestOpenBackends(t *testing.T) {
	req := require.New(t)
	s, err := Open(BackendBadger, filepath.Join(t.TempDir(), "badger"))
	req.NoError(err)
	req.NoError(s.Close())

	s, err = Open(BackendSQLite, filepath.Join(t.TempDir(), "state.db"))
	req.NoError(err)
	req.NoError(s.Close())

	_, err = Open("redis", "")
	req.ErrorContains(err, "unknown store backend")
}
