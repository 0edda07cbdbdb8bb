package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/engine"
	"github.com/recordvault/recordvault/pkg/bytesize"
)

func newSnapshotCmd() *cobra.Command {
	snapCmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Create, list and restore snapshots",
		Long: `Snapshots are point-in-time copies of every record, chunk, blob and index,
kept under the data directory. Restoring one replaces the current data.

Examples:
  recordvault snapshot create before-migration
  recordvault snapshot list
  recordvault snapshot restore 3f2c...`,
	}

	snapCmd.AddCommand(&cobra.Command{
		Use:   "create [label]",
		Short: "Take a snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ""
			if len(args) == 1 {
				label = args[0]
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				info, err := e.Snapshot(ctx, label)
				if err != nil {
					return err
				}
				fmt.Printf("Created snapshot %s (%d records, %d blobs, %s)\n",
					info.ID, info.Records, info.Blobs, bytesize.Size(info.Bytes))
				return nil
			})
		},
	})

	snapCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List snapshots, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				snaps, err := e.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Println("No snapshots found")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tLABEL\tCREATED\tRECORDS\tBLOBS\tSIZE")
				for _, s := range snaps {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						s.ID, s.Label, s.Created.Local().Format(time.DateTime), s.Records, s.Blobs, bytesize.Size(s.Bytes))
				}
				return w.Flush()
			})
		},
	})

	snapCmd.AddCommand(&cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the current data with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.RestoreSnapshot(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Restored snapshot %s\n", args[0])
				return nil
			})
		},
	})

	snapCmd.AddCommand(&cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a snapshot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteSnapshot(ctx, args[0])
			})
		},
	})

	return snapCmd
}
