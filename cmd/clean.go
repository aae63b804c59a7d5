package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/store"
	"github.com/tanq16/rangedl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove the resume record of path, or every record whose file is gone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if len(args) == 1 {
				path := utils.AbsPath(args[0])
				if err := st.Remove(path); err != nil {
					return fmt.Errorf("error removing resume record: %w", err)
				}
				output.PrintSuccess(fmt.Sprintf("Removed resume record for %s", path))
				return nil
			}
			removed, err := cleanOrphans(st)
			if err != nil {
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d orphaned resume record(s)", removed))
			return nil
		},
	}
}

// cleanOrphans drops records whose destination file no longer exists.
func cleanOrphans(st store.Store) (int, error) {
	records, err := st.List()
	if err != nil {
		return 0, fmt.Errorf("error listing resume records: %w", err)
	}
	removed := 0
	for _, rec := range records {
		if _, err := os.Stat(rec.Path); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := st.Remove(rec.Path); err != nil {
			return removed, fmt.Errorf("error removing resume record: %w", err)
		}
		removed++
	}
	return removed, nil
}
