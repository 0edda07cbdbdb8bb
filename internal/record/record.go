// Package record defines the records held by the storage engine: typed
// metadata variants, chunk references and the partial-update merge.
package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

// SchemaVersion tags every record written by this build.
const SchemaVersion = 1

// Kind is the entity type of a record.
type Kind string

const (
	KindSession Kind = "session"
	KindTask    Kind = "task"
	KindNote    Kind = "note"
)

// Kinds lists every supported entity type.
var Kinds = []Kind{KindNote, KindSession, KindTask}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if slices.Contains(Kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("unknown record kind %q: %w", s, vaulterr.ErrInvalid)
}

// ChunkRef describes a persisted chunk without loading it.
type ChunkRef struct {
	Size     int64    `json:"size"`
	Checksum string   `json:"checksum"`
	Items    int      `json:"items,omitempty"`
	Blobs    []string `json:"blobs,omitempty"`
}

// Chunk is a named sub-part of a record, stored as its own unit.
type Chunk struct {
	Name  string   `json:"name"`
	Items int      `json:"items,omitempty"`
	Blobs []string `json:"blobs,omitempty"`
	Data  []byte   `json:"data"`
}

// Record is a stored entity. Chunks holds references only; payloads are
// loaded on demand.
type Record struct {
	ID            string
	Kind          Kind
	Meta          Metadata
	Chunks        map[string]ChunkRef
	Version       uint64
	SchemaVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type recordJSON struct {
	ID            string              `json:"id"`
	Kind          Kind                `json:"kind"`
	Meta          map[string]any      `json:"meta"`
	Chunks        map[string]ChunkRef `json:"chunks,omitempty"`
	Version       uint64              `json:"version"`
	SchemaVersion int                 `json:"schema_version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// MarshalJSON flattens the metadata variant and its extension fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	meta := r.Meta
	if meta == nil {
		meta = NewMetadata(r.Kind)
	}
	fields, err := toMap(meta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		ID:            r.ID,
		Kind:          r.Kind,
		Meta:          fields,
		Chunks:        r.Chunks,
		Version:       r.Version,
		SchemaVersion: r.SchemaVersion,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	})
}

// UnmarshalJSON decodes the variant selected by the kind tag.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, err := ParseKind(string(raw.Kind)); err != nil {
		return err
	}
	meta, err := fromMap(raw.Kind, raw.Meta)
	if err != nil {
		return err
	}
	*r = Record{
		ID:            raw.ID,
		Kind:          raw.Kind,
		Meta:          meta,
		Chunks:        raw.Chunks,
		Version:       raw.Version,
		SchemaVersion: raw.SchemaVersion,
		CreatedAt:     raw.CreatedAt,
		UpdatedAt:     raw.UpdatedAt,
	}
	return nil
}

// Clone returns a deep copy. Callers outside the entity store only ever see
// clones.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Meta != nil {
		out.Meta = cloneMeta(r.Meta)
	}
	if r.Chunks != nil {
		out.Chunks = make(map[string]ChunkRef, len(r.Chunks))
		for name, ref := range r.Chunks {
			ref.Blobs = slices.Clone(ref.Blobs)
			out.Chunks[name] = ref
		}
	}
	return &out
}

// Timestamp is the record's position on the timeline: the variant's own time
// when it has one, otherwise the creation time.
func (r *Record) Timestamp() time.Time {
	if r.Meta != nil {
		if ts := r.Meta.When(); !ts.IsZero() {
			return ts.UTC()
		}
	}
	return r.CreatedAt.UTC()
}

// Categories returns the exact-match values indexed for this record,
// including its type.
func (r *Record) Categories() map[string][]string {
	out := map[string][]string{"type": {string(r.Kind)}}
	if r.Meta != nil {
		for field, values := range r.Meta.Categories() {
			for _, v := range values {
				if v != "" {
					out[field] = append(out[field], v)
				}
			}
		}
	}
	return out
}

// Text returns the free text indexed for this record.
func (r *Record) Text() string {
	if r.Meta == nil {
		return ""
	}
	return r.Meta.Text()
}

// Attributes returns the flat field view used for filtering and sorting.
func (r *Record) Attributes() map[string]any {
	attrs := map[string]any{}
	if r.Meta != nil {
		if fields, err := toMap(r.Meta); err == nil {
			attrs = fields
		}
	}
	attrs["id"] = r.ID
	attrs["type"] = string(r.Kind)
	attrs["version"] = float64(r.Version)
	attrs["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	attrs["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	attrs["date"] = r.Timestamp().Format(time.RFC3339Nano)
	return attrs
}

// BlobRefs returns every blob id referenced by the record's chunks, one entry
// per reference.
func (r *Record) BlobRefs() []string {
	var refs []string
	for _, name := range slices.Sorted(maps.Keys(r.Chunks)) {
		refs = append(refs, r.Chunks[name].Blobs...)
	}
	return refs
}

// Summary is the listing view of a record.
type Summary struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Title     string         `json:"title"`
	Status    string         `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Chunks    map[string]int `json:"chunks,omitempty"`
	Version   uint64         `json:"version"`
}

// Summarize builds the listing view without touching chunk payloads.
func (r *Record) Summarize() Summary {
	s := Summary{
		ID:        r.ID,
		Kind:      r.Kind,
		Timestamp: r.Timestamp(),
		Version:   r.Version,
	}
	if r.Meta != nil {
		s.Title = r.Meta.Label()
		s.Status = r.Meta.State()
	}
	if len(r.Chunks) > 0 {
		s.Chunks = make(map[string]int, len(r.Chunks))
		for name, ref := range r.Chunks {
			s.Chunks[name] = ref.Items
		}
	}
	return s
}
