package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/engine"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every chunk and blob against its checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Verify(ctx)
				if err != nil {
					return err
				}
				if report.OK() {
					fmt.Println("No problems found")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "RECORD\tCHUNK\tPROBLEM")
				for _, p := range report.Chunks {
					problem := p.Err
					if p.Missing {
						problem = "missing (run 'recordvault repair " + p.ID + "')"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Chunk, problem)
				}
				for _, b := range report.Blobs {
					_, _ = fmt.Fprintf(w, "blob\t\t%s\n", b)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				return fmt.Errorf("%d damaged chunks, %d damaged blobs", len(report.Chunks), len(report.Blobs))
			})
		},
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <id>...",
		Short: "Drop references to missing chunk files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				for _, id := range args {
					removed, err := e.Repair(ctx, id)
					if err != nil {
						return err
					}
					if len(removed) == 0 {
						fmt.Printf("%s: nothing to repair\n", id)
						continue
					}
					fmt.Printf("%s: dropped %v\n", id, removed)
				}
				return nil
			})
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete unreferenced blobs past their grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.CollectGarbage(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func newRebuildCmd() *cobra.Command {
	var index, refs bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the indexes and blob reference counts",
		Long: `Rebuild derived state from the stored records. Without flags both the
indexes and the blob reference counts are rebuilt.

Rebuilding reference counts forgets references held by blobs that were
stored but never attached to a chunk; those become garbage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !index && !refs {
				index, refs = true, true
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if index {
					n, err := e.RebuildIndex(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Indexed %d records\n", n)
				}
				if refs {
					stats, err := e.RebuildReferences(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Counted %d references to %d blobs (%d missing, %d unused)\n",
						stats.References, stats.Blobs, stats.Missing, stats.Unused)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&index, "index", false, "rebuild the indexes")
	cmd.Flags().BoolVar(&refs, "refs", false, "rebuild blob reference counts")
	return cmd
}

func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Apply queued writes and truncate the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Flush(ctx); err != nil {
					return err
				}
				return e.Checkpoint(ctx)
			})
		},
	}
}
