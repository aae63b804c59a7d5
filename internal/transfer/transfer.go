package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/engine"
	"github.com/tanq16/rangedl/internal/prefetch"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/store"
	"github.com/tanq16/rangedl/internal/utils"
)

const defaultPersistInterval = time.Second

type Config struct {
	// Dir receives the file under its server-provided name unless Path is set.
	Dir string
	// Path pins the destination. It is never renamed to avoid collisions.
	Path               string
	Fresh              bool
	Threads            int
	RetryGap           time.Duration
	MaxRetries         int
	DownloadBufferSize int
	WriteBufferSize    int
	MinSteal           int64
	PersistInterval    time.Duration
	Client             utils.HTTPDoer
	Store              store.Store
}

// Hooks observe a running transfer. All of them are optional and are called
// from the goroutine that runs the transfer.
type Hooks struct {
	OnStart    func(info *prefetch.URLInfo, path string, initial progress.Entry)
	OnProgress func(r progress.Range, tracker *progress.Tracker)
	OnRetry    func(ev engine.Event)
}

type Result struct {
	Path      string
	Info      *prefetch.URLInfo
	Entry     progress.Entry
	Written   int64
	Elapsed   time.Duration
	Cancelled bool
	Resumed   bool
}

// Complete reports whether every byte of a known-size file is on disk.
func (r *Result) Complete() bool {
	return !r.Cancelled && (r.Info.FileSize == 0 || r.Written == r.Info.FileSize)
}

// Run fetches metadata, decides between resuming and starting over, drives
// the engine to completion or cancellation, and keeps the resume record
// current along the way.
func Run(ctx context.Context, cfg Config, rawURL string, hooks Hooks) (*Result, error) {
	log := utils.GetLogger("transfer")
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaultPersistInterval
	}

	info, err := prefetch.GetURLInfo(ctx, cfg.Client, rawURL)
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	plan, err := preparePlan(cfg, info, log)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("path", plan.path).Logger()
	if hooks.OnStart != nil {
		hooks.OnStart(info, plan.path, plan.initial)
	}

	var chunks progress.Entry
	if info.CanFastDownload {
		chunks = progress.Invert(plan.initial, info.FileSize)
		if chunks == nil {
			chunks = progress.Entry{}
		}
	}
	tr, err := engine.Download(ctx, engine.Options{
		URL:                info.FinalURL,
		Path:               plan.path,
		Threads:            cfg.Threads,
		CanFastDownload:    info.CanFastDownload,
		FileSize:           info.FileSize,
		Chunks:             chunks,
		RetryGap:           cfg.RetryGap,
		MaxRetries:         cfg.MaxRetries,
		DownloadBufferSize: cfg.DownloadBufferSize,
		WriteBufferSize:    cfg.WriteBufferSize,
		MinSteal:           cfg.MinSteal,
		Client:             cfg.Client,
		Logger:             &log,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	elapsed := func() time.Duration {
		return plan.elapsed + time.Since(started)
	}
	tracker := progress.NewTracker(plan.initial)
	lastPersist := started
	for ev := range tr.Events() {
		switch ev.Kind {
		case engine.EventProgress:
			tracker.Add(ev.Range)
			if hooks.OnProgress != nil {
				hooks.OnProgress(ev.Range, tracker)
			}
			if plan.persist && time.Since(lastPersist) >= cfg.PersistInterval {
				persist(cfg.Store, plan.path, tracker.Snapshot(), elapsed(), log)
				lastPersist = time.Now()
			}
		case engine.EventRetry:
			if hooks.OnRetry != nil {
				hooks.OnRetry(ev)
			}
		}
	}
	runErr := tr.Wait()
	if plan.persist {
		persist(cfg.Store, plan.path, tracker.Snapshot(), elapsed(), log)
	}

	res := &Result{
		Path:      plan.path,
		Info:      info,
		Entry:     tracker.Snapshot(),
		Written:   tracker.Total(),
		Elapsed:   elapsed(),
		Cancelled: tr.Cancelled(),
		Resumed:   plan.resumed,
	}
	if runErr != nil {
		return res, runErr
	}
	if res.Cancelled {
		log.Info().Int64("written", res.Written).Msg("Transfer stopped")
	} else {
		log.Info().Int64("written", res.Written).Dur("elapsed", res.Elapsed).Msg("Transfer complete")
	}
	return res, nil
}

type plan struct {
	path    string
	initial progress.Entry
	elapsed time.Duration
	resumed bool
	persist bool
}

func preparePlan(cfg Config, info *prefetch.URLInfo, log zerolog.Logger) (*plan, error) {
	p := &plan{persist: info.CanFastDownload && cfg.Store != nil}
	pinned := cfg.Path != ""
	if pinned {
		p.path = utils.AbsPath(cfg.Path)
	} else {
		p.path = utils.AbsPath(filepath.Join(cfg.Dir, info.FileName))
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	_, statErr := os.Stat(p.path)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("error checking output file: %w", statErr)
	}

	// owned marks an existing file that a record says we wrote, so a restart
	// reuses its path instead of renaming around it.
	owned := false
	if cfg.Store != nil && exists {
		rec, err := cfg.Store.Get(p.path)
		owned = rec != nil
		if err != nil {
			log.Warn().Err(err).Str("path", p.path).Msg("Could not read resume record")
		}
		switch {
		case rec == nil, cfg.Fresh:
		case !info.CanFastDownload:
			log.Warn().Str("path", p.path).Msg("Server no longer supports ranged downloads, starting over")
		case !rec.Matches(info.ETag, info.LastModified) || rec.FileSize != info.FileSize:
			log.Warn().Str("path", p.path).Str("etag", info.ETag).Str("recorded_etag", rec.ETag).Msg("Remote file changed, discarding resume record")
		default:
			p.initial = rec.Progress
			p.elapsed = time.Duration(rec.ElapsedMs) * time.Millisecond
			p.resumed = true
			log.Info().Str("path", p.path).Str("progress", progress.Format(rec.Progress)).Msg("Resuming transfer")
		}
	}

	if !p.resumed {
		if exists && !pinned && !owned {
			p.path = utils.RenewOutputPath(p.path)
		}
		if cfg.Store != nil {
			if p.persist {
				if err := cfg.Store.Init(p.path, info.FileSize, info.ETag, info.LastModified, filepath.Base(p.path), info.FinalURL); err != nil {
					log.Warn().Err(err).Str("path", p.path).Msg("Could not create resume record")
				}
			} else if err := cfg.Store.Remove(p.path); err != nil {
				log.Warn().Err(err).Str("path", p.path).Msg("Could not remove stale resume record")
			}
		}
	}
	return p, nil
}

// persist logs store failures and carries on.
func persist(s store.Store, path string, entry progress.Entry, elapsed time.Duration, log zerolog.Logger) {
	if err := s.Update(path, entry, elapsed.Milliseconds()); err != nil {
		log.Warn().Err(err).Msg("Could not persist progress")
	}
}
