package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/engine"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	var (
		kind     string
		sets     []string
		patchArg string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or update a record",
		Long: `Create or update a record. Fields are merged into the existing record;
a field set to null is cleared.

Values given with --set are parsed as JSON when they are valid JSON and taken
as plain strings otherwise.

Examples:
  recordvault put t1 --kind task --set title="Pay rent" --set status=open
  recordvault put t1 --set 'tags=["home","bills"]' --set done=true
  recordvault put n1 --kind note --patch '{"title":"Idea","content":"..."}'
  echo '{"status":"done"}' | recordvault put t1 --patch -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := record.ParseKind(kind)
			if err != nil {
				return err
			}
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			patch, err := buildPatch(patchArg, sets, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Put(ctx, args[0], k, patch, engine.WithPriority(prio))
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(record.KindNote), "record kind for new records (session, task, note)")
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "field=value to set (repeatable)")
	cmd.Flags().StringVar(&patchArg, "patch", "", "JSON object of fields, or - to read it from stdin")
	cmd.Flags().StringVar(&priority, "priority", "normal", "write priority (critical, normal, low)")
	return cmd
}

// buildPatch merges a JSON patch document with field=value pairs, the pairs
// winning.
func buildPatch(patchArg string, sets []string, stdin io.Reader) (record.Patch, error) {
	patch := record.Patch{}
	if patchArg != "" {
		raw := []byte(patchArg)
		if patchArg == "-" {
			var err error
			if raw, err = io.ReadAll(stdin); err != nil {
				return nil, fmt.Errorf("read patch: %w", err)
			}
		}
		if err := json.Unmarshal(raw, &patch); err != nil {
			return nil, fmt.Errorf("parse patch: %w", err)
		}
	}
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", s)
		}
		patch[field] = parseValue(value)
	}
	return patch, nil
}

// parseValue decodes value as JSON when it is valid JSON, so numbers, bools,
// lists and null keep their type.
func parseValue(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}

func newDeleteCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete records with all their chunks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				for _, id := range args {
					if err := e.Delete(ctx, id, engine.WithPriority(prio)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "write priority (critical, normal, low)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [kind]",
		Aliases: []string{"ls"},
		Short:   "List records",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind record.Kind
			if len(args) == 1 {
				k, err := record.ParseKind(args[0])
				if err != nil {
					return err
				}
				kind = k
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListSummaries(ctx, kind)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("No records found")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tKIND\tTITLE\tSTATUS\tTIMESTAMP\tVERSION")
				for _, s := range items {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
						s.ID, s.Kind, s.Title, s.Status, s.Timestamp.Format(time.RFC3339), s.Version)
				}
				return w.Flush()
			})
		},
	}
}

func newQueryCmd() *cobra.Command {
	var (
		wheres  []string
		sortBy  string
		desc    bool
		limit   int
		offset  int
		idsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find records by field, tag, date or text",
		Long: `Find records. Every --where condition must match.

Conditions are field:op:value with op one of eq, ne, in, contains, gt, gte,
lt, lte. The pseudo-fields text and date search the full-text and timeline
indexes. For in, separate the values with commas.

Examples:
  recordvault query --where tag:eq:urgent
  recordvault query --where type:eq:task --where status:in:open,blocked
  recordvault query --where text:contains:"budget review" --ids
  recordvault query --where date:gte:2025-05-01 --sort date --desc --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.Query{
				Sort:   engine.Sort{Field: sortBy, Desc: desc},
				Limit:  limit,
				Offset: offset,
			}
			for _, w := range wheres {
				f, err := parseWhere(w)
				if err != nil {
					return err
				}
				q.Filters = append(q.Filters, f)
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Query(ctx, q)
				if err != nil {
					return err
				}
				if idsOnly {
					for _, id := range res.IDs {
						fmt.Println(id)
					}
					return nil
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&wheres, "where", "w", nil, "condition field:op:value (repeatable)")
	cmd.Flags().StringVar(&sortBy, "sort", "", "field to sort by (default id)")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of results to skip")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "print matching ids only")
	return cmd
}

// parseWhere parses field:op:value. The value may itself contain colons.
func parseWhere(s string) (engine.Filter, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return engine.Filter{}, fmt.Errorf("invalid --where %q: want field:op:value", s)
	}
	op, err := engine.ParseOperator(parts[1])
	if err != nil {
		return engine.Filter{}, err
	}
	var value any = parts[2]
	if op != engine.OpIn {
		value = parseValue(parts[2])
	}
	return engine.Filter{Field: parts[0], Op: op, Value: value}, nil
}

// applyOp is one operation of an apply document.
type applyOp struct {
	Type  string        `json:"type"`
	ID    string        `json:"id"`
	Kind  record.Kind   `json:"kind,omitempty"`
	Patch record.Patch  `json:"patch,omitempty"`
	Chunk *record.Chunk `json:"chunk,omitempty"`
}

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file|->",
		Short: "Apply a list of operations atomically",
		Long: `Apply a JSON list of operations in one transaction: either all of them
take effect or none do, including across a crash.

Each operation is {"type": "put"|"put_chunk"|"delete", "id": ..., "kind": ...,
"patch": {...}, "chunk": {"name": ..., "data": <base64>, "blobs": [...]}}.

Example:
  recordvault apply - <<'EOF'
  [{"type":"put","id":"t9","kind":"task","patch":{"title":"Move","status":"open"}},
   {"type":"delete","id":"t8"}]
  EOF`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var ops []applyOp
			if err := json.Unmarshal(raw, &ops); err != nil {
				return fmt.Errorf("parse operations: %w", err)
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				tx, err := e.Begin(ctx)
				if err != nil {
					return err
				}
				for i, op := range ops {
					if err := addOp(tx, op); err != nil {
						_ = tx.Rollback(ctx)
						return fmt.Errorf("operation %d: %w", i, err)
					}
				}
				if err := tx.Commit(ctx); err != nil {
					return err
				}
				fmt.Printf("Committed %d operations (tx %s)\n", len(ops), tx.ID())
				return nil
			})
		},
	}
}

type txWriter interface {
	Put(id string, kind record.Kind, patch record.Patch) error
	PutChunk(id string, chunk record.Chunk) error
	Delete(id string) error
}

func addOp(tx txWriter, op applyOp) error {
	switch op.Type {
	case "put":
		kind := op.Kind
		if kind == "" {
			kind = record.KindNote
		}
		return tx.Put(op.ID, kind, op.Patch)
	case "put_chunk":
		if op.Chunk == nil {
			return fmt.Errorf("put_chunk for %s has no chunk", op.ID)
		}
		return tx.PutChunk(op.ID, *op.Chunk)
	case "delete":
		return tx.Delete(op.ID)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}
