package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bamsammich/flashall/internal/engine"
	"github.com/bamsammich/flashall/internal/ui"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	var showTasks bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the flash journal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			runs, err := engine.ReadHistory(opts.journalPath, limit)
			if err != nil {
				return fatalError(err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(opts.stdout, "no runs recorded")
				return nil
			}
			printHistory(opts.stdout, runs, showTasks)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "list the tasks of each run")
	return cmd
}

func printHistory(w io.Writer, runs []engine.RunRecord, showTasks bool) {
	for _, r := range runs {
		failed := 0
		for _, t := range r.Tasks {
			if t.Status != "ok" {
				failed++
			}
		}
		fmt.Fprintf(w, "%s  %s  %-12s  tasks %d  failed %d\n",
			r.Started.Format("2006-01-02 15:04:05"), r.ID[:8], r.Serial, len(r.Tasks), failed)
		if !showTasks {
			continue
		}
		for _, t := range r.Tasks {
			digest := t.Digest
			if len(digest) > 12 {
				digest = digest[:12]
			}
			line := fmt.Sprintf("    %3d  %-24s %-16s %-6s %s", t.Seq, t.Task, t.Partition, t.Status, ui.FormatElapsed(t.Duration))
			if digest != "" {
				line += "  blake3:" + digest
			}
			if t.Error != "" {
				line += "  " + t.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}
