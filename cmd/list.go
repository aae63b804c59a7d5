package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/store"
	"github.com/tanq16/rangedl/internal/utils"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show resume records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			records, err := st.List()
			if err != nil {
				return fmt.Errorf("error listing resume records: %w", err)
			}
			if len(records) == 0 {
				output.PrintInfo("No resume records")
				return nil
			}
			sort.Slice(records, func(i, j int) bool {
				return records[i].UpdatedAt.After(records[j].UpdatedAt)
			})
			for _, rec := range records {
				fmt.Println(describeRecord(rec))
			}
			return nil
		},
	}
}

func recordPercent(rec store.Record) string {
	if rec.FileSize <= 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.2f%%", float64(progress.Total(rec.Progress))/float64(rec.FileSize)*100)
}

func describeRecord(rec store.Record) string {
	status := output.FWarning("partial")
	if rec.FileSize > 0 && progress.Total(rec.Progress) == rec.FileSize {
		status = output.FSuccess("done")
	}
	return fmt.Sprintf("%s %s %s\n  %s %s\n  %s %s of %s (%s) %s\n  %s %s",
		status, output.FHeader(rec.FileName), output.FDebug(rec.UpdatedAt.Format("2006-01-02 15:04:05")),
		output.StyleSymbols["arrow"], output.FDetail(rec.Path),
		output.StyleSymbols["bullet"], utils.FormatBytes(uint64(progress.Total(rec.Progress))), utils.FormatBytes(uint64(rec.FileSize)),
		recordPercent(rec), output.FDebug(progress.Format(rec.Progress)),
		output.StyleSymbols["bullet"], output.FStream(rec.URL))
}
