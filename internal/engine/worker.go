package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/progress"
)

// reserver decides where the next bytes of a response body go.
type reserver interface {
	Reserve(n int64) (start, granted int64)
	Commit(offset int64)
	// Open is the number of bytes still expected, or -1 when unbounded.
	Open() int64
}

type poolClaim struct {
	pool *Pool
	id   int
}

func (c poolClaim) Reserve(n int64) (int64, int64) { return c.pool.Reserve(c.id, n) }
func (c poolClaim) Commit(offset int64)            { c.pool.Commit(c.id, offset) }
func (c poolClaim) Open() int64                    { return c.pool.Open(c.id) }

// writeBuffer accumulates contiguous reserved bytes before a single WriteAt.
type writeBuffer struct {
	start int64
	data  []byte
}

func (b *writeBuffer) end() int64 {
	return b.start + int64(len(b.data))
}

func (r *run) worker(ctx context.Context, id int) {
	log := r.log.With().Int("worker", id).Logger()
	for ctx.Err() == nil {
		claimed, ok := r.pool.Claim(id)
		if !ok {
			log.Debug().Msg("No work left")
			return
		}
		log.Debug().Str("range", claimed.String()).Msg("Claimed range")
		if !r.fetchClaim(ctx, id, claimed, log) {
			return
		}
	}
}

// attemptsPerRetry bounds the failed attempts of one claim to this multiple
// of the retry budget, even when every attempt writes a few bytes.
const attemptsPerRetry = 4

// fetchClaim downloads one claim, retrying from the last written offset. It
// returns false when the worker has to stop.
func (r *run) fetchClaim(ctx context.Context, id int, want progress.Range, log zerolog.Logger) bool {
	res := poolClaim{pool: r.pool, id: id}
	attempt, failures := 0, 0
	maxFailures := (r.opts.MaxRetries + 1) * attemptsPerRetry
	for {
		progressed, err := r.fetchRange(ctx, id, want, res)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if progressed {
			attempt = 0
		}
		attempt++
		failures++
		if attempt > r.opts.MaxRetries || failures >= maxFailures {
			log.Error().Err(err).Str("range", want.String()).Int("failures", failures).Msg("Giving up on range")
			r.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return false
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max", r.opts.MaxRetries).Msg("Retrying range")
		r.events <- Event{Kind: EventRetry, Worker: id, Range: want, Attempt: attempt, Err: err}
		if !sleep(ctx, r.opts.RetryGap) {
			return false
		}
		want = r.pool.Rewind(id)
		if want.Empty() {
			return true
		}
	}
}

func (r *run) fetchRange(ctx context.Context, id int, want progress.Range, res reserver) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", want.Start, want.End-1))
	req.Header.Set("Connection", "keep-alive")
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}
	return r.copyBody(ctx, id, resp.Body, res)
}

// copyBody streams body into the file through res. Bytes already read are
// flushed on every exit path. The bool reports whether anything was written.
func (r *run) copyBody(ctx context.Context, id int, body io.Reader, res reserver) (bool, error) {
	readBuf := make([]byte, r.opts.DownloadBufferSize)
	wb := &writeBuffer{data: make([]byte, 0, r.opts.WriteBufferSize)}
	progressed := false
	flush := func() error {
		if len(wb.data) == 0 {
			return nil
		}
		if _, err := r.file.WriteAt(wb.data, wb.start); err != nil {
			return fmt.Errorf("error writing to output file: %w", err)
		}
		written := progress.Range{Start: wb.start, End: wb.end()}
		res.Commit(written.End)
		progressed = true
		wb.start, wb.data = written.End, wb.data[:0]
		r.events <- Event{Kind: EventProgress, Worker: id, Range: written}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return progressed, errors.Join(err, flush())
		}
		n, readErr := body.Read(readBuf)
		if n > 0 {
			start, granted := res.Reserve(int64(n))
			if granted > 0 {
				if len(wb.data) > 0 && start != wb.end() {
					if err := flush(); err != nil {
						return progressed, err
					}
				}
				if len(wb.data) == 0 {
					wb.start = start
				}
				wb.data = append(wb.data, readBuf[:granted]...)
			}
			if granted < int64(n) {
				// the tail of this claim now belongs to another worker
				return progressed, flush()
			}
			if cap(wb.data)-len(wb.data) < len(readBuf) {
				if err := flush(); err != nil {
					return progressed, err
				}
			}
		}
		if readErr != nil {
			if err := flush(); err != nil {
				return progressed, err
			}
			if errors.Is(readErr, io.EOF) {
				if res.Open() > 0 {
					return progressed, io.ErrUnexpectedEOF
				}
				return progressed, nil
			}
			return progressed, fmt.Errorf("error reading response body: %w", readErr)
		}
		if res.Open() == 0 {
			return progressed, flush()
		}
	}
}
