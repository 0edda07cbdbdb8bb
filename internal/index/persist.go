package index

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

// dump is the canonical encoding of the index: every map is keyed and every
// id list sorted, so equal indexes encode to equal bytes.
type dump struct {
	Granularity Granularity                    `json:"granularity"`
	Temporal    map[string][]string            `json:"temporal"`
	Categorical map[string]map[string][]string `json:"categorical"`
	Text        map[string][]string            `json:"text"`
}

type savedIndex struct {
	Seq      uint64          `json:"seq"`
	Checksum string          `json:"checksum"`
	Index    json.RawMessage `json:"index"`
}

func sortedIDs(set idSet) []string {
	return slices.Sorted(maps.Keys(set))
}

// Dump returns the canonical encoding of the current index state.
func (m *Manager) Dump() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := dump{
		Granularity: m.granularity,
		Temporal:    make(map[string][]string, len(m.temporal)),
		Categorical: make(map[string]map[string][]string, len(m.categorical)),
		Text:        make(map[string][]string, len(m.text)),
	}
	for k, set := range m.temporal {
		d.Temporal[k] = sortedIDs(set)
	}
	for field, values := range m.categorical {
		byValue := make(map[string][]string, len(values))
		for v, set := range values {
			byValue[v] = sortedIDs(set)
		}
		d.Categorical[field] = byValue
	}
	for tok, set := range m.text {
		d.Text[tok] = sortedIDs(set)
	}
	// Encoding maps of strings cannot fail.
	out, _ := json.Marshal(d)
	return out
}

// Save writes the index to path, tagged with the log sequence it reflects.
func (m *Manager) Save(path string, seq uint64) error {
	body := m.Dump()
	sum := sha256.Sum256(body)
	raw, err := json.Marshal(savedIndex{Seq: seq, Checksum: hex.EncodeToString(sum[:]), Index: body})
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Load replaces the index with the one saved at path and returns the sequence
// it was tagged with. A missing file returns ok=false; a damaged one returns a
// CorruptionError and leaves the index unchanged.
func (m *Manager) Load(path string) (seq uint64, ok bool, err error) {
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read index: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, false, fmt.Errorf("create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(compressed, nil)
	dec.Close()
	if err != nil {
		return 0, false, &vaulterr.CorruptionError{Path: path, Expected: "zstd frame", Actual: err.Error()}
	}

	var saved savedIndex
	if err := json.Unmarshal(raw, &saved); err != nil {
		return 0, false, &vaulterr.CorruptionError{Path: path, Expected: "index json", Actual: err.Error()}
	}
	sum := sha256.Sum256(saved.Index)
	if actual := hex.EncodeToString(sum[:]); actual != saved.Checksum {
		return 0, false, &vaulterr.CorruptionError{Path: path, Expected: saved.Checksum, Actual: actual}
	}
	var d dump
	if err := json.Unmarshal(saved.Index, &d); err != nil {
		return 0, false, &vaulterr.CorruptionError{Path: path, Expected: "index json", Actual: err.Error()}
	}
	if d.Granularity != m.granularity {
		return 0, false, fmt.Errorf("index saved with %s buckets, configured %s: %w", d.Granularity, m.granularity, vaulterr.ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()

	entryOf := func(id string) *entry {
		e, ok := m.entries[id]
		if !ok {
			e = &entry{cats: make(map[string][]string)}
			m.entries[id] = e
		}
		return e
	}
	for bucket, ids := range d.Temporal {
		for _, id := range ids {
			add(m.temporal, bucket, id)
			entryOf(id).bucket = bucket
		}
	}
	for field, values := range d.Categorical {
		byValue := make(map[string]idSet, len(values))
		m.categorical[field] = byValue
		for v, ids := range values {
			for _, id := range ids {
				add(byValue, v, id)
				e := entryOf(id)
				e.cats[field] = append(e.cats[field], v)
			}
		}
	}
	for tok, ids := range d.Text {
		for _, id := range ids {
			add(m.text, tok, id)
			e := entryOf(id)
			e.tokens = append(e.tokens, tok)
		}
	}
	return saved.Seq, true, nil
}
