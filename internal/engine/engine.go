package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/utils"
)

var (
	ErrRetriesExhausted = errors.New("download failed after retries")
	errUnexpectedStatus = errors.New("unexpected status code")
)

const (
	defaultMinSteal = 128 * 1024
	eventBuffer     = 256
)

type EventKind int

const (
	EventProgress EventKind = iota
	EventRetry
)

// Event reports a range written to disk or a retry about to happen.
type Event struct {
	Kind    EventKind
	Worker  int
	Range   progress.Range
	Attempt int
	Err     error
}

type Options struct {
	URL             string
	Path            string
	Threads         int
	CanFastDownload bool
	FileSize        int64
	// Chunks is the remaining work; nil means the whole file.
	Chunks             progress.Entry
	RetryGap           time.Duration
	MaxRetries         int
	DownloadBufferSize int
	WriteBufferSize    int
	// MinSteal is the smallest half a busy claim may be split into.
	MinSteal int64
	Client   utils.HTTPDoer
	Logger   *zerolog.Logger
}

func (o *Options) normalize() error {
	if o.URL == "" || o.Path == "" {
		return errors.New("url and path are required")
	}
	if o.Client == nil {
		return errors.New("http client is required")
	}
	if !o.CanFastDownload || o.FileSize <= 0 {
		o.CanFastDownload = false
		o.Threads = 1
	}
	o.Threads = max(o.Threads, 1)
	o.MaxRetries = max(o.MaxRetries, 0)
	if o.DownloadBufferSize <= 0 {
		o.DownloadBufferSize = utils.DefaultDownloadBuf
	}
	if o.WriteBufferSize < o.DownloadBufferSize {
		o.WriteBufferSize = max(utils.DefaultWriteBuf, o.DownloadBufferSize)
	}
	if o.MinSteal <= 0 {
		o.MinSteal = defaultMinSteal
	}
	if o.Logger == nil {
		log := utils.GetLogger("engine")
		o.Logger = &log
	}
	return nil
}

// Transfer is a running download. Events must be drained until the channel
// is closed; Wait returns after every worker has exited.
type Transfer struct {
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	err       error
	cancelled bool
	pool      *Pool
}

// Download opens the destination and starts the workers. Only setup errors
// are returned here; transfer errors surface through Wait.
func Download(ctx context.Context, opts Options) (*Transfer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening output file: %w", err)
	}
	size := opts.FileSize
	if !opts.CanFastDownload {
		size = 0
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("error sizing output file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		cancel: cancel,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	run := &run{opts: opts, file: file, events: t.events, cancel: cancel, log: *opts.Logger}

	if opts.CanFastDownload {
		chunks := opts.Chunks
		if chunks == nil {
			chunks = progress.Entry{{Start: 0, End: opts.FileSize}}
		}
		t.pool = NewPool(chunks, opts.Threads, opts.MinSteal)
		run.pool = t.pool
	}

	go func() {
		defer close(t.done)
		complete := run.execute(runCtx)
		if err := file.Sync(); err != nil && run.firstErr() == nil {
			run.fail(fmt.Errorf("error syncing output file: %w", err))
		}
		file.Close()
		close(t.events)
		t.err = run.firstErr()
		t.cancelled = t.err == nil && !complete
		cancel()
	}()
	return t, nil
}

func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Cancel asks every worker to flush what it already read and stop.
func (t *Transfer) Cancel() {
	t.cancel()
}

// Done is closed once Wait would return.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

func (t *Transfer) Wait() error {
	<-t.done
	return t.err
}

// Cancelled reports whether the transfer ended early without an error.
// Only meaningful after Wait returns.
func (t *Transfer) Cancelled() bool {
	<-t.done
	return t.cancelled
}

// run carries the state shared by the workers of one transfer.
type run struct {
	opts   Options
	file   *os.File
	pool   *Pool
	events chan<- Event
	cancel context.CancelFunc
	log    zerolog.Logger

	errMu sync.Mutex
	err   error
}

func (r *run) fail(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
}

func (r *run) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// execute blocks until all workers are gone and reports whether every byte
// was written.
func (r *run) execute(ctx context.Context) bool {
	if r.pool == nil {
		return r.stream(ctx)
	}
	r.log.Debug().Str("path", r.opts.Path).Int("threads", r.opts.Threads).Int64("remaining", r.pool.Remaining()).Msg("Starting ranged download")
	var wg sync.WaitGroup
	for id := range r.opts.Threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, id)
		}()
	}
	wg.Wait()
	return r.pool.Remaining() == 0 && r.firstErr() == nil
}

// sleep waits out the retry gap and reports false if cancelled meanwhile.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
