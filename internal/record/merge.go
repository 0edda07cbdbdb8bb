package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

// Patch is a partial update. Keys name metadata fields; a nil value clears the
// field. Keys unknown to the record's variant are stored as extensions.
type Patch map[string]any

var knownKeysCache sync.Map // reflect.Type -> map[string]struct{}

// knownKeys returns the JSON field names declared by a variant.
func knownKeys(meta Metadata) map[string]struct{} {
	t := reflect.TypeOf(meta).Elem()
	if cached, ok := knownKeysCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	keys := make(map[string]struct{}, t.NumField())
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		keys[name] = struct{}{}
	}
	knownKeysCache.Store(t, keys)
	return keys
}

// toMap flattens a variant and its extensions into one field map.
func toMap(meta Metadata) (map[string]any, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", meta.Kind(), err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", meta.Kind(), err)
	}
	known := knownKeys(meta)
	for k, v := range meta.Extensions() {
		if _, ok := known[k]; !ok {
			fields[k] = v
		}
	}
	return fields, nil
}

// fromMap builds the variant for kind from a flat field map.
func fromMap(kind Kind, fields map[string]any) (Metadata, error) {
	meta := NewMetadata(kind)
	known := knownKeys(meta)

	typed := make(map[string]any, len(fields))
	var extra map[string]any
	for k, v := range fields {
		if _, ok := known[k]; ok {
			typed[k] = v
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}

	raw, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("encode %s fields: %w", kind, err)
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("%s fields: %v: %w", kind, err, vaulterr.ErrInvalid)
	}
	meta.setExtensions(extra)
	return meta, nil
}

func cloneMeta(meta Metadata) Metadata {
	fields, err := toMap(meta)
	if err != nil {
		return meta
	}
	out, err := fromMap(meta.Kind(), fields)
	if err != nil {
		return meta
	}
	return out
}

// Merge applies patch to existing, or creates a new record when existing is
// nil. The result is a fresh value with its version bumped; existing is not
// modified.
func Merge(existing *Record, id string, kind Kind, patch Patch, now time.Time) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("empty record id: %w", vaulterr.ErrInvalid)
	}
	if existing != nil && kind != "" && existing.Kind != kind {
		return nil, fmt.Errorf("record %s is a %s, not a %s: %w", id, existing.Kind, kind, vaulterr.ErrInvalid)
	}

	var rec *Record
	if existing == nil {
		if _, err := ParseKind(string(kind)); err != nil {
			return nil, err
		}
		rec = &Record{
			ID:        id,
			Kind:      kind,
			Meta:      NewMetadata(kind),
			CreatedAt: now.UTC(),
		}
	} else {
		rec = existing.Clone()
		if rec.Meta == nil {
			rec.Meta = NewMetadata(rec.Kind)
		}
	}

	if len(patch) > 0 {
		fields, err := toMap(rec.Meta)
		if err != nil {
			return nil, err
		}
		for k, v := range patch {
			if v == nil {
				delete(fields, k)
				continue
			}
			fields[k] = v
		}
		meta, err := fromMap(rec.Kind, fields)
		if err != nil {
			return nil, err
		}
		rec.Meta = meta
	}

	rec.Version++
	rec.SchemaVersion = SchemaVersion
	rec.UpdatedAt = now.UTC()
	return rec, nil
}

// Fields returns a copy of the flat metadata field map.
func Fields(meta Metadata) map[string]any {
	fields, err := toMap(meta)
	if err != nil {
		return map[string]any{}
	}
	return fields
}
