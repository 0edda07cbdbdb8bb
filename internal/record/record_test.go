package record

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func TestMergeCreatesRecord(t *testing.T) {
	rec, err := Merge(nil, "s1", KindSession, Patch{
		"name":             "Morning focus",
		"status":           "active",
		"tags":             []string{"deep-work", "urgent"},
		"screenshot_count": 12,
		"mood":             "good",
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, KindSession, rec.Kind)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, testNow, rec.CreatedAt)

	meta, ok := rec.Meta.(*SessionMeta)
	require.True(t, ok)
	assert.Equal(t, "Morning focus", meta.Name)
	assert.Equal(t, 12, meta.ScreenshotCount)
	assert.Equal(t, []string{"deep-work", "urgent"}, meta.Tags)
	assert.Equal(t, map[string]any{"mood": "good"}, meta.Extra)
}

func TestMergePartialUpdate(t *testing.T) {
	rec, err := Merge(nil, "t1", KindTask, Patch{"title": "Write report", "status": "todo", "priority": "high"}, testNow)
	require.NoError(t, err)

	later := testNow.Add(time.Hour)
	updated, err := Merge(rec, "t1", "", Patch{"status": "done", "priority": nil}, later)
	require.NoError(t, err)

	meta := updated.Meta.(*TaskMeta)
	assert.Equal(t, "Write report", meta.Title)
	assert.Equal(t, "done", meta.Status)
	assert.Empty(t, meta.Priority)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, testNow, updated.CreatedAt)
	assert.Equal(t, later, updated.UpdatedAt)

	// original untouched
	assert.Equal(t, "todo", rec.Meta.(*TaskMeta).Status)
}

func TestMergeRejectsInvalidInput(t *testing.T) {
	_, err := Merge(nil, "", KindNote, nil, testNow)
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	_, err = Merge(nil, "x", Kind("photo"), nil, testNow)
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	note, err := Merge(nil, "n1", KindNote, Patch{"title": "a"}, testNow)
	require.NoError(t, err)
	_, err = Merge(note, "n1", KindTask, nil, testNow)
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	_, err = Merge(note, "n1", "", Patch{"tags": "not-a-list"}, testNow)
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestRecordJSONRoundTripKeepsExtensions(t *testing.T) {
	rec, err := Merge(nil, "n1", KindNote, Patch{"title": "Idea", "tags": []string{"x"}, "color": "blue"}, testNow)
	require.NoError(t, err)
	rec.Chunks = map[string]ChunkRef{"attachments": {Size: 10, Checksum: "abc", Items: 2, Blobs: []string{"b1", "b2"}}}

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, rec.Chunks, decoded.Chunks)
	assert.Equal(t, "Idea", decoded.Meta.Label())
	assert.Equal(t, "blue", decoded.Meta.Extensions()["color"])
}

func TestCloneIsDeep(t *testing.T) {
	rec, err := Merge(nil, "n1", KindNote, Patch{"title": "Idea"}, testNow)
	require.NoError(t, err)
	rec.Chunks = map[string]ChunkRef{"c": {Blobs: []string{"b1"}}}

	clone := rec.Clone()
	clone.Meta.(*NoteMeta).Title = "changed"
	clone.Chunks["c"].Blobs[0] = "b2"

	assert.Equal(t, "Idea", rec.Meta.Label())
	assert.Equal(t, "b1", rec.Chunks["c"].Blobs[0])
}

func TestIndexViews(t *testing.T) {
	start := testNow.Add(-2 * time.Hour)
	rec, err := Merge(nil, "s1", KindSession, Patch{
		"name":       "Design review",
		"status":     "completed",
		"category":   "meetings",
		"tags":       []string{"urgent"},
		"start_time": start,
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, start, rec.Timestamp())
	cats := rec.Categories()
	assert.Equal(t, []string{"session"}, cats["type"])
	assert.Equal(t, []string{"completed"}, cats["status"])
	assert.Equal(t, []string{"urgent"}, cats["tag"])
	assert.Contains(t, rec.Text(), "Design review")

	attrs := rec.Attributes()
	assert.Equal(t, "s1", attrs["id"])
	assert.Equal(t, "meetings", attrs["category"])

	note, err := Merge(nil, "n1", KindNote, nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow, note.Timestamp())
	_, hasStatus := note.Categories()["status"]
	assert.False(t, hasStatus)
}

func TestSummarize(t *testing.T) {
	rec, err := Merge(nil, "t1", KindTask, Patch{"title": "Ship", "status": "todo"}, testNow)
	require.NoError(t, err)
	rec.Chunks = map[string]ChunkRef{"checklist": {Items: 4}}

	s := rec.Summarize()
	assert.Equal(t, "Ship", s.Title)
	assert.Equal(t, "todo", s.Status)
	assert.Equal(t, map[string]int{"checklist": 4}, s.Chunks)
}

func TestBlobRefsCountsEveryReference(t *testing.T) {
	rec := &Record{Chunks: map[string]ChunkRef{
		"frames": {Blobs: []string{"a", "b"}},
		"audio":  {Blobs: []string{"a"}},
	}}
	assert.Equal(t, []string{"a", "a", "b"}, rec.BlobRefs())
}

func TestKeys(t *testing.T) {
	id, chunk, ok := ParseKey(Key("s1"))
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.Empty(t, chunk)

	id, chunk, ok = ParseKey(ChunkKey("s1", "frames"))
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.Equal(t, "frames", chunk)
	assert.True(t, strings.HasPrefix(ChunkKey("s1", "frames"), ChunkPrefix("s1")))
	assert.False(t, strings.HasPrefix(ChunkKey("s10", "frames"), ChunkPrefix("s1")))

	for _, bad := range []string{"", "record/", "chunk/s1", "chunk//x", "tx/123"} {
		_, _, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}
