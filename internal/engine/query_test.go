package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

func seedQueryRecords(t *testing.T, e *Engine) {
	t.Helper()
	put(t, e, "t1", record.KindTask, record.Patch{
		"title": "Write quarterly report", "status": "open", "priority": "high",
		"tags": []any{"urgent", "work"}, "due": "2025-05-03T00:00:00Z",
	})
	put(t, e, "t2", record.KindTask, record.Patch{
		"title": "Call the bank", "status": "done", "priority": "low",
		"tags": []any{"urgent"}, "due": "2025-05-01T00:00:00Z",
	})
	put(t, e, "t3", record.KindTask, record.Patch{
		"title": "Plan trip", "status": "open", "priority": "medium",
		"tags": []any{"personal"}, "due": "2025-05-10T00:00:00Z",
	})
	put(t, e, "n1", record.KindNote, record.Patch{
		"title": "Meeting notes", "content": "budget discussion",
		"tags": []any{"urgent", "work"}, "source": "email",
	})
	put(t, e, "s1", record.KindSession, record.Patch{
		"name": "Deep work", "status": "recorded",
		"tags": []any{"work"}, "start_time": "2025-05-02T09:00:00Z",
	})
}

func TestQueryByTag(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	seedQueryRecords(t, e)

	// Queued writes are not visible to queries.
	_, err := e.Put(ctx, "n2", record.KindNote, record.Patch{"tags": []any{"urgent"}})
	require.NoError(t, err)

	res, err := e.Query(ctx, Query{Filters: []Filter{{Field: "tag", Op: OpEq, Value: "urgent"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "t1", "t2"}, res.IDs)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "n1", res.Records[0].ID)

	require.NoError(t, e.Flush(ctx))
	res, err = e.Query(ctx, Query{Filters: []Filter{{Field: "tag", Op: OpEq, Value: "urgent"}}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
}

func TestQueryFilters(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	seedQueryRecords(t, e)

	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{
			name:    "type and status",
			filters: []Filter{{Field: "type", Op: OpEq, Value: "task"}, {Field: "status", Op: OpEq, Value: "open"}},
			want:    []string{"t1", "t3"},
		},
		{
			name:    "not equal",
			filters: []Filter{{Field: "type", Op: OpEq, Value: "task"}, {Field: "status", Op: OpNe, Value: "done"}},
			want:    []string{"t1", "t3"},
		},
		{
			name:    "in list",
			filters: []Filter{{Field: "priority", Op: OpIn, Value: "high,low"}},
			want:    []string{"t1", "t2"},
		},
		{
			name:    "in slice",
			filters: []Filter{{Field: "source", Op: OpIn, Value: []any{"email", "chat"}}},
			want:    []string{"n1"},
		},
		{
			name:    "text",
			filters: []Filter{{Field: FieldText, Op: OpContains, Value: "Report"}},
			want:    []string{"t1"},
		},
		{
			name:    "substring of unindexed field",
			filters: []Filter{{Field: "title", Op: OpContains, Value: "plan"}},
			want:    []string{"t3"},
		},
		{
			name:    "date range",
			filters: []Filter{{Field: FieldDate, Op: OpGte, Value: "2025-05-02"}, {Field: FieldDate, Op: OpLte, Value: "2025-05-03"}},
			want:    []string{"s1", "t1"},
		},
		{
			name:    "no match",
			filters: []Filter{{Field: "tag", Op: OpEq, Value: "nothing"}},
			want:    []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Query(ctx, Query{Filters: tt.filters})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.IDs)
		})
	}
}

func TestQuerySortAndPage(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	seedQueryRecords(t, e)
	tasks := []Filter{{Field: "type", Op: OpEq, Value: "task"}}

	res, err := e.Query(ctx, Query{Filters: tasks, Sort: Sort{Field: "due"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3"}, res.IDs)

	res, err = e.Query(ctx, Query{Filters: tasks, Sort: Sort{Field: "due", Desc: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t1", "t2"}, res.IDs)

	res, err = e.Query(ctx, Query{Filters: tasks, Sort: Sort{Field: "due"}, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.IDs)
	assert.Equal(t, 3, res.Total)

	res, err = e.Query(ctx, Query{Filters: tasks, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
	assert.Equal(t, 3, res.Total)

	// Records without the field sort last.
	res, err = e.Query(ctx, Query{Sort: Sort{Field: "due"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3", "n1", "s1"}, res.IDs)
}

func TestQueryRejectsBadInput(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()

	_, err := e.Query(ctx, Query{Filters: []Filter{{Field: "tag", Op: "like", Value: "x"}}})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
	_, err = e.Query(ctx, Query{Filters: []Filter{{Op: OpEq, Value: "x"}}})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
	_, err = e.Query(ctx, Query{Limit: -1})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestListSummaries(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	seedQueryRecords(t, e)

	all, err := e.ListSummaries(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "n1", all[0].ID)

	tasks, err := e.ListSummaries(ctx, record.KindTask)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "Write quarterly report", tasks[0].Title)
	assert.Equal(t, "open", tasks[0].Status)

	_, err = e.ListSummaries(ctx, "invoice")
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator("gte")
	require.NoError(t, err)
	assert.Equal(t, OpGte, op)

	_, err = ParseOperator("between")
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}
