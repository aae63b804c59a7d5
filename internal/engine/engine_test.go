package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/utils"
)

func randomData(size int) []byte {
	rng := rand.New(rand.NewPCG(7, 8))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(rng.IntN(256))
	}
	return data
}

// rangeServer serves data with Range support and records every Range header.
type rangeServer struct {
	data []byte
	// slow throttles responses whose range starts at the given offset
	slow map[int64]time.Duration

	mu     sync.Mutex
	ranges []string
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rangeHeader := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rangeHeader)
	s.mu.Unlock()

	var content io.ReadSeeker = bytes.NewReader(s.data)
	if delay, ok := s.slow[rangeStart(rangeHeader)]; ok && rangeHeader != "" {
		content = &slowReader{ReadSeeker: content, delay: delay}
	}
	http.ServeContent(w, r, "", time.Time{}, content)
}

func (s *rangeServer) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func rangeStart(header string) int64 {
	spec := strings.TrimPrefix(header, "bytes=")
	start, _, _ := strings.Cut(spec, "-")
	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

type slowReader struct {
	io.ReadSeeker
	delay time.Duration
}

func (r *slowReader) Read(p []byte) (int, error) {
	time.Sleep(r.delay)
	if len(p) > 1024 {
		p = p[:1024]
	}
	return r.ReadSeeker.Read(p)
}

func testOptions(t *testing.T, url string, size int64) Options {
	return Options{
		URL:                url,
		Path:               filepath.Join(t.TempDir(), "out.bin"),
		Threads:            4,
		CanFastDownload:    size > 0,
		FileSize:           size,
		RetryGap:           time.Millisecond,
		MaxRetries:         3,
		DownloadBufferSize: 1024,
		WriteBufferSize:    4096,
		MinSteal:           1024,
		Client:             utils.NewHTTPClient(utils.HTTPClientConfig{}),
	}
}

func drain(tr *Transfer) (progress.Entry, []Event) {
	var entry progress.Entry
	var retries []Event
	for ev := range tr.Events() {
		switch ev.Kind {
		case EventProgress:
			entry = progress.Merge(entry, ev.Range)
		case EventRetry:
			retries = append(retries, ev)
		}
	}
	return entry, retries
}

func TestDownloadMultiThread(t *testing.T) {
	req := require.New(t)
	data := randomData(256 * 1024)
	srv := httptest.NewServer(&rangeServer{data: data})
	defer srv.Close()

	opts := testOptions(t, srv.URL, int64(len(data)))
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, retries := drain(tr)
	req.NoError(tr.Wait())
	req.False(tr.Cancelled())
	req.Empty(retries)
	req.Equal(progress.Entry{{Start: 0, End: int64(len(data))}}, entry)

	got, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(data, got)
}

func TestDownloadStealsFromSlowWorker(t *testing.T) {
	req := require.New(t)
	data := randomData(64 * 1024)
	rs := &rangeServer{data: data, slow: map[int64]time.Duration{0: 3 * time.Millisecond}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	opts := testOptions(t, srv.URL, int64(len(data)))
	opts.Threads = 2
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, _ := drain(tr)
	req.NoError(tr.Wait())
	req.Equal(progress.Entry{{Start: 0, End: int64(len(data))}}, entry)
	req.Positive(tr.pool.Steals())
	req.Greater(len(rs.requested()), 2)

	got, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(data, got)
}

func TestDownloadResumeRequestsOnlyRemaining(t *testing.T) {
	req := require.New(t)
	data := randomData(5000)
	rs := &rangeServer{data: data}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	opts := testOptions(t, srv.URL, 5000)
	opts.Threads = 1
	req.NoError(os.WriteFile(opts.Path, data[:1000], 0644))
	opts.Chunks = progress.Invert(progress.Entry{{Start: 0, End: 1000}}, 5000)

	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, _ := drain(tr)
	req.NoError(tr.Wait())
	req.Equal(progress.Entry{{Start: 1000, End: 5000}}, entry)
	req.Equal([]string{"bytes=1000-4999"}, rs.requested())

	got, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(data, got)
}

func TestDownloadUnknownSizeUsesOneStream(t *testing.T) {
	req := require.New(t)
	data := randomData(20_000)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		req.Empty(r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data[:10_000])
		w.(http.Flusher).Flush()
		w.Write(data[10_000:])
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL, 0)
	opts.Threads = 8
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, _ := drain(tr)
	req.NoError(tr.Wait())
	req.Equal(int32(1), requests.Load())
	req.Equal(progress.Entry{{Start: 0, End: int64(len(data))}}, entry)

	got, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(data, got)
}

func TestDownloadRetriesFromLastWrittenOffset(t *testing.T) {
	req := require.New(t)
	data := randomData(5000)
	var mu sync.Mutex
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()
		if !first {
			http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
			return
		}
		// promise the whole range, deliver half, then drop the connection
		w.Header().Set("Content-Range", "bytes 0-4999/5000")
		w.Header().Set("Content-Length", "5000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[:2500])
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL, 5000)
	opts.Threads = 1
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, retries := drain(tr)
	req.NoError(tr.Wait())
	req.Len(retries, 1)
	req.Equal(progress.Entry{{Start: 0, End: 5000}}, entry)

	mu.Lock()
	req.Equal([]string{"bytes=0-4999", "bytes=2500-4999"}, ranges)
	mu.Unlock()

	got, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(data, got)
}

func TestDownloadRetriesExhausted(t *testing.T) {
	req := require.New(t)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL, 5000)
	opts.Threads = 1
	opts.MaxRetries = 2
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	_, retries := drain(tr)
	err = tr.Wait()
	req.ErrorIs(err, ErrRetriesExhausted)
	req.ErrorIs(err, errUnexpectedStatus)
	req.False(tr.Cancelled())
	req.Len(retries, 2)
	req.Equal(int32(3), requests.Load())
}

// tricklingServer answers every request with 100 bytes of the promised body
// and then drops the connection.
func tricklingServer(data []byte, requests *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		size := int64(len(data))
		start := max(rangeStart(r.Header.Get("Range")), 0)
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		status := http.StatusOK
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
			status = http.StatusPartialContent
		}
		w.WriteHeader(status)
		w.Write(data[start:min(start+100, size)])
		w.(http.Flusher).Flush()
	}))
}

func TestDownloadCapsAttemptsOfTricklingClaim(t *testing.T) {
	req := require.New(t)
	var requests atomic.Int32
	srv := tricklingServer(randomData(5000), &requests)
	defer srv.Close()

	opts := testOptions(t, srv.URL, 5000)
	opts.Threads = 1
	opts.MaxRetries = 2
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	entry, retries := drain(tr)
	req.ErrorIs(tr.Wait(), ErrRetriesExhausted)
	req.Equal(int32(12), requests.Load())
	req.Len(retries, 11)
	req.Equal(progress.Entry{{Start: 0, End: 1200}}, entry)
}

func TestDownloadStreamRetriesAreBounded(t *testing.T) {
	req := require.New(t)
	var requests atomic.Int32
	srv := tricklingServer(randomData(5000), &requests)
	defer srv.Close()

	opts := testOptions(t, srv.URL, 0)
	opts.MaxRetries = 2
	tr, err := Download(context.Background(), opts)
	req.NoError(err)
	_, retries := drain(tr)
	req.ErrorIs(tr.Wait(), ErrRetriesExhausted)
	req.Equal(int32(3), requests.Load())
	req.Len(retries, 2)
}

func TestDownloadCancelJoinsWorkers(t *testing.T) {
	req := require.New(t)
	data := randomData(64 * 1024)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := rangeStart(r.Header.Get("Range"))
		end := int64(len(data)) - 1
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : start+2048])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions(t, srv.URL, int64(len(data)))
	opts.Threads = 2
	opts.WriteBufferSize = 1024
	tr, err := Download(context.Background(), opts)
	req.NoError(err)

	var entry progress.Entry
	cancelled := false
	for ev := range tr.Events() {
		if ev.Kind != EventProgress {
			continue
		}
		entry = progress.Merge(entry, ev.Range)
		if !cancelled {
			tr.Cancel()
			cancelled = true
		}
	}
	req.NoError(tr.Wait())
	req.True(tr.Cancelled())
	req.NotEmpty(entry)
	req.Less(progress.Total(entry), int64(len(data)))

	before, err := os.ReadFile(opts.Path)
	req.NoError(err)
	for _, r := range entry {
		req.Equal(data[r.Start:r.End], before[r.Start:r.End])
	}
	time.Sleep(50 * time.Millisecond)
	after, err := os.ReadFile(opts.Path)
	req.NoError(err)
	req.Equal(before, after)
}

func TestDownloadParentContextCancel(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(&rangeServer{data: randomData(1024)})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := Download(ctx, testOptions(t, srv.URL, 1024))
	req.NoError(err)
	drain(tr)
	req.NoError(tr.Wait())
	req.True(tr.Cancelled())
}

func TestDownloadRequiresClient(t *testing.T) {
	_, err := Download(context.Background(), Options{URL: "http://x", Path: "y"})
	require.Error(t, err)
}
