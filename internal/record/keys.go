package record

import "strings"

// Queue and log keys. A record and each of its chunks are separate keys so
// that chunk writes never collapse into metadata writes.
const (
	recordPrefix = "record/"
	chunkPrefix  = "chunk/"
)

// Key returns the key of a record's metadata.
func Key(id string) string { return recordPrefix + id }

// ChunkKey returns the key of one chunk of a record.
func ChunkKey(id, name string) string { return chunkPrefix + id + "/" + name }

// ChunkPrefix matches every chunk key of a record.
func ChunkPrefix(id string) string { return chunkPrefix + id + "/" }

// ParseKey splits a key into record id and chunk name. ok is false for keys
// not produced by Key or ChunkKey.
func ParseKey(key string) (id, chunk string, ok bool) {
	if id, ok := strings.CutPrefix(key, recordPrefix); ok && id != "" {
		return id, "", true
	}
	rest, ok := strings.CutPrefix(key, chunkPrefix)
	if !ok {
		return "", "", false
	}
	id, chunk, ok = strings.Cut(rest, "/")
	if !ok || id == "" || chunk == "" {
		return "", "", false
	}
	return id, chunk, true
}
