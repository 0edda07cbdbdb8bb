package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/engine"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
)

func newChunkCmd() *cobra.Command {
	chunkCmd := &cobra.Command{
		Use:   "chunk",
		Short: "Read and write record chunks",
		Long: `Chunks are named payloads stored beside a record, such as the frames or
audio segments of a session. A chunk can reference blobs; storing the chunk
takes over the reference returned by 'recordvault blob put'.

Examples:
  recordvault chunk put s1 frames --file frames.json --blob <id> --items 12
  recordvault chunk get s1 frames > frames.json
  recordvault chunk delete s1 frames`,
	}

	var (
		file  string
		blobs []string
		items int
	)
	putCmd := &cobra.Command{
		Use:   "put <id> <name>",
		Short: "Write a chunk from a file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			chunk := record.Chunk{Name: args[1], Items: items, Blobs: blobs, Data: data}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				return e.PutChunk(ctx, args[0], chunk, engine.WithPriority(queue.Critical))
			})
		},
	}
	putCmd.Flags().StringVarP(&file, "file", "f", "-", "payload file, - for stdin")
	putCmd.Flags().StringArrayVar(&blobs, "blob", nil, "blob id referenced by the chunk (repeatable)")
	putCmd.Flags().IntVar(&items, "items", 0, "number of items in the payload")
	chunkCmd.AddCommand(putCmd)

	chunkCmd.AddCommand(&cobra.Command{
		Use:   "get <id> <name>",
		Short: "Write a chunk's payload to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				chunk, err := e.LoadChunk(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(chunk.Data)
				return err
			})
		},
	})

	chunkCmd.AddCommand(&cobra.Command{
		Use:     "delete <id> <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a chunk and release its blobs",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteChunk(ctx, args[0], args[1])
			})
		},
	})

	return chunkCmd
}

func newBlobCmd() *cobra.Command {
	blobCmd := &cobra.Command{
		Use:   "blob",
		Short: "Manage content-addressed blobs",
		Long: `Blobs are stored once per distinct content and reference counted. Each
'blob put' adds a reference that must be handed to a chunk or released.

Examples:
  recordvault blob put screenshot.png
  recordvault blob get <id> -o copy.png
  recordvault blob refs <id>
  recordvault blob release <id>`,
	}

	blobCmd.AddCommand(&cobra.Command{
		Use:   "put <file|->",
		Short: "Store a blob and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				id, err := e.StoreBlob(ctx, data)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	})

	var output string
	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a blob to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				data, err := e.RetrieveBlob(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	getCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	blobCmd.AddCommand(getCmd)

	blobCmd.AddCommand(&cobra.Command{
		Use:   "release <id>",
		Short: "Give back one reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				return e.ReleaseBlob(ctx, args[0])
			})
		},
	})

	blobCmd.AddCommand(&cobra.Command{
		Use:   "refs <id>",
		Short: "Print a blob's reference count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				n, err := e.BlobRefCount(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	})

	return blobCmd
}

// readInput reads path, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
