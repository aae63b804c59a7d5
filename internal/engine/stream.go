package engine

import (
	"context"
	"fmt"
	"net/http"
)

// sequential places a body at increasing offsets from zero.
type sequential struct {
	pos int64
}

func (s *sequential) Reserve(n int64) (int64, int64) {
	start := s.pos
	s.pos += n
	return start, n
}

func (s *sequential) Commit(int64) {}
func (s *sequential) Open() int64  { return -1 }

// stream is the single-connection path for servers without range support or
// without a known size. A failed attempt starts over from byte zero.
func (r *run) stream(ctx context.Context) bool {
	log := r.log.With().Int("worker", 0).Logger()
	log.Debug().Str("path", r.opts.Path).Msg("Starting single-stream download")
	attempt := 0
	for {
		res := &sequential{}
		// every attempt starts over, so partial progress never refills the budget
		_, err := r.streamOnce(ctx, res)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		attempt++
		if attempt > r.opts.MaxRetries {
			log.Error().Err(err).Msg("Giving up on download")
			r.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return false
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max", r.opts.MaxRetries).Msg("Restarting download")
		r.events <- Event{Kind: EventRetry, Attempt: attempt, Err: err}
		if !sleep(ctx, r.opts.RetryGap) {
			return false
		}
		if err := r.file.Truncate(0); err != nil {
			r.fail(fmt.Errorf("error resetting output file: %w", err))
			return false
		}
	}
}

func (r *run) streamOnce(ctx context.Context, res *sequential) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}
	return r.copyBody(ctx, 0, resp.Body, res)
}
