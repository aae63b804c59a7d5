package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/scheduler"
	"github.com/tanq16/rangedl/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	Link string `yaml:"link"`
}

func newBatchCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no valid links found in %s", args[0])
			}
			if cmd.Flags().Changed("workers") {
				cfg.Concurrency = concurrency
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			failed := runBatch(ctx, scheduler.NewManager(transferConfig(st), cfg.Concurrency), entries)
			if failed > 0 {
				return fmt.Errorf("encountered %d failed download(s)", failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "workers", "w", 4, "Number of links to download in parallel (0 for no limit)")
	return cmd
}

func readBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	log := utils.GetLogger("batch")
	return lo.Filter(entries, func(e BatchEntry, i int) bool {
		if e.Link == "" {
			log.Warn().Int("entry", i).Msg("Empty link found, skipping")
			return false
		}
		return true
	}), nil
}

// runBatch feeds entries to mgr and draws the dashboard until every task has
// finished or ctx is cancelled. It returns the number of failed tasks.
func runBatch(ctx context.Context, mgr *scheduler.Manager, entries []BatchEntry) int {
	dash := output.NewManager(os.Stderr)
	mgr.Start(ctx)
	consumed := make(chan struct{})
	go func() {
		dash.Consume(mgr.Messages())
		close(consumed)
	}()
	utils.SetLogOutput(dash)
	defer utils.SetLogOutput(os.Stderr)
	dash.StartDisplay()

	for _, entry := range entries {
		mgr.AddTask(entry.Link)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
			if settled(mgr.Snapshot()) {
				break wait
			}
		}
	}
	mgr.Shutdown()
	<-consumed
	dash.StopDisplay()
	return dash.Failed()
}

func settled(views []scheduler.TaskView) bool {
	return !lo.ContainsBy(views, func(v scheduler.TaskView) bool {
		return v.State == scheduler.Queued || v.State == scheduler.Running
	})
}
