// Package index maintains the secondary indexes over record metadata:
// temporal buckets, exact-match categorical values and free-text tokens.
package index

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

// Kind selects one of the index structures.
type Kind string

const (
	Temporal    Kind = "temporal"
	Categorical Kind = "categorical"
	Text        Kind = "text"
)

// Granularity is the width of a temporal bucket.
type Granularity string

const (
	Day  Granularity = "day"
	Hour Granularity = "hour"
)

func (g Granularity) layout() string {
	if g == Hour {
		return "2006-01-02T15"
	}
	return "2006-01-02"
}

// ParseGranularity validates a bucket width name. Empty means Day.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", Day:
		return Day, nil
	case Hour:
		return Hour, nil
	}
	return "", fmt.Errorf("unknown bucket granularity %q: %w", s, vaulterr.ErrInvalid)
}

// Criteria selects candidates within one index kind.
type Criteria struct {
	// Categorical: ids having Field equal to any of Values.
	Field  string
	Values []string

	// Temporal: ids whose bucket overlaps [From, To]. A zero bound is open.
	From time.Time
	To   time.Time

	// Text: ids containing every token of Text.
	Text string
}

type idSet map[string]struct{}

// entry records what was indexed for one id so it can be removed exactly.
type entry struct {
	bucket string
	cats   map[string][]string
	tokens []string
}

// Manager holds the indexes. It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	granularity Granularity
	temporal    map[string]idSet
	categorical map[string]map[string]idSet
	text        map[string]idSet
	entries     map[string]*entry
	logger      zerolog.Logger
}

// New returns an empty index manager.
func New(granularity Granularity, logger zerolog.Logger) *Manager {
	if granularity == "" {
		granularity = Day
	}
	m := &Manager{
		granularity: granularity,
		logger:      logger.With().Str("component", "index").Logger(),
	}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.temporal = make(map[string]idSet)
	m.categorical = make(map[string]map[string]idSet)
	m.text = make(map[string]idSet)
	m.entries = make(map[string]*entry)
}

// Update replaces whatever was indexed for rec.ID with rec's current values.
func (m *Manager) Update(rec *record.Record) {
	e := m.entryFor(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(rec.ID)
	m.insertLocked(rec.ID, e)
}

// Remove deletes every index entry referencing id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

// Contains reports whether id is indexed.
func (m *Manager) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Query returns the sorted candidate ids matching criteria in one index.
func (m *Manager) Query(kind Kind, c Criteria) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out idSet
	switch kind {
	case Categorical:
		out = make(idSet)
		values := m.categorical[c.Field]
		for _, v := range c.Values {
			for id := range values[v] {
				out[id] = struct{}{}
			}
		}
	case Temporal:
		out = make(idSet)
		from, to := "", ""
		if !c.From.IsZero() {
			from = c.From.UTC().Format(m.granularity.layout())
		}
		if !c.To.IsZero() {
			to = c.To.UTC().Format(m.granularity.layout())
		}
		for bucket, ids := range m.temporal {
			if (from != "" && bucket < from) || (to != "" && bucket > to) {
				continue
			}
			for id := range ids {
				out[id] = struct{}{}
			}
		}
	case Text:
		tokens := Tokenize(c.Text)
		if len(tokens) == 0 {
			return nil, nil
		}
		// Intersect starting from the rarest token.
		slices.SortFunc(tokens, func(a, b string) int { return len(m.text[a]) - len(m.text[b]) })
		out = make(idSet)
		for id := range m.text[tokens[0]] {
			out[id] = struct{}{}
		}
		for _, tok := range tokens[1:] {
			set := m.text[tok]
			for id := range out {
				if _, ok := set[id]; !ok {
					delete(out, id)
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown index kind %q: %w", kind, vaulterr.ErrInvalid)
	}
	return slices.Sorted(maps.Keys(out)), nil
}

// Bucket returns the temporal bucket key for t.
func (m *Manager) Bucket(t time.Time) string {
	return t.UTC().Format(m.granularity.layout())
}

// RebuildAll discards the indexes and rebuilds them from records. The result
// does not depend on the order records are yielded in.
func (m *Manager) RebuildAll(records iter.Seq2[*record.Record, error]) (int, error) {
	fresh := New(m.granularity, m.logger)
	n := 0
	for rec, err := range records {
		if err != nil {
			return 0, fmt.Errorf("rebuild index: %w", err)
		}
		fresh.Update(rec)
		n++
	}

	m.mu.Lock()
	m.temporal = fresh.temporal
	m.categorical = fresh.categorical
	m.text = fresh.text
	m.entries = fresh.entries
	m.mu.Unlock()

	m.logger.Info().Int("records", n).Msg("Index rebuilt")
	return n, nil
}

// Stats describes index sizes.
type Stats struct {
	Records     int `json:"records"`
	Buckets     int `json:"buckets"`
	Categorical int `json:"categorical_values"`
	Tokens      int `json:"tokens"`
}

// Stats returns the current index sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Records: len(m.entries), Buckets: len(m.temporal), Tokens: len(m.text)}
	for _, values := range m.categorical {
		st.Categorical += len(values)
	}
	return st
}

func (m *Manager) entryFor(rec *record.Record) *entry {
	return &entry{
		bucket: m.Bucket(rec.Timestamp()),
		cats:   rec.Categories(),
		tokens: Tokenize(rec.Text()),
	}
}

func (m *Manager) insertLocked(id string, e *entry) {
	add(m.temporal, e.bucket, id)
	for field, values := range e.cats {
		byValue, ok := m.categorical[field]
		if !ok {
			byValue = make(map[string]idSet)
			m.categorical[field] = byValue
		}
		for _, v := range values {
			add(byValue, v, id)
		}
	}
	for _, tok := range e.tokens {
		add(m.text, tok, id)
	}
	m.entries[id] = e
}

func (m *Manager) removeLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	drop(m.temporal, e.bucket, id)
	for field, values := range e.cats {
		byValue := m.categorical[field]
		for _, v := range values {
			drop(byValue, v, id)
		}
		if len(byValue) == 0 {
			delete(m.categorical, field)
		}
	}
	for _, tok := range e.tokens {
		drop(m.text, tok, id)
	}
	delete(m.entries, id)
}

func add(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func drop(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
