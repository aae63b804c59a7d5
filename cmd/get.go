package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/engine"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/prefetch"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/render"
	"github.com/tanq16/rangedl/internal/transfer"
	"github.com/tanq16/rangedl/internal/utils"
)

func newGetCmd() *cobra.Command {
	var outputPath string
	var fresh bool

	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download a single file, resuming an earlier partial download when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tcfg := transferConfig(st)
			tcfg.Path = outputPath
			tcfg.Fresh = fresh
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGet(ctx, tcfg, args[0])
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server when not provided)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore any resume record and start over")
	return cmd
}

func runGet(ctx context.Context, tcfg transfer.Config, rawURL string) error {
	log := utils.GetLogger("get")
	var painter *render.Painter
	hooks := transfer.Hooks{
		OnStart: func(info *prefetch.URLInfo, path string, initial progress.Entry) {
			output.PrintDetail(fmt.Sprintf("%s %s %s", info.FileName, output.StyleSymbols["arrow"], path))
			if !info.CanFastDownload {
				log.Warn().Msg("Server does not support ranged requests, using a single connection")
			}
			painter = render.NewPainter(initial, info.FileSize, render.Options{
				Width:   min(cfg.ProgressWidth, max(utils.TerminalWidth(80)-40, 10)),
				Alpha:   cfg.Alpha,
				Repaint: cfg.Repaint,
				Elapsed: priorElapsed(tcfg, path, initial),
				Out:     os.Stderr,
				Styled:  utils.IsTerminal(os.Stderr),
			})
			utils.SetLogOutput(painter)
			painter.Start()
		},
		OnProgress: func(r progress.Range, _ *progress.Tracker) {
			painter.Add(r)
		},
		OnRetry: func(ev engine.Event) {
			log.Warn().Int("worker", ev.Worker).Int("attempt", ev.Attempt).Err(ev.Err).Msg("Retrying range")
		},
	}

	res, err := transfer.Run(ctx, tcfg, rawURL, hooks)
	if painter != nil {
		painter.Stop()
		utils.SetLogOutput(os.Stderr)
	}
	switch {
	case err != nil:
		if res != nil && res.Info.CanFastDownload {
			output.PrintWarning("Run the same command again to resume")
		}
		return fmt.Errorf("download failed: %w", err)
	case res.Cancelled:
		output.PrintWarning(fmt.Sprintf("Stopped at %s, run again to resume", utils.FormatBytes(uint64(res.Written))))
		return nil
	}
	output.PrintSuccess(fmt.Sprintf("Downloaded %s in %s", utils.FormatBytes(uint64(res.Written)), utils.FormatDuration(res.Elapsed)))
	return nil
}

// priorElapsed is the time spent on earlier runs of a resumed transfer.
func priorElapsed(tcfg transfer.Config, path string, initial progress.Entry) time.Duration {
	if len(initial) == 0 || tcfg.Store == nil {
		return 0
	}
	rec, err := tcfg.Store.Get(path)
	if err != nil || rec == nil {
		return 0
	}
	return time.Duration(rec.ElapsedMs) * time.Millisecond
}
