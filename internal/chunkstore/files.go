package chunkstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/sha256-simd"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

const manifestVersion = 1

// manifestFile is the on-disk envelope. Checksum covers the raw Records bytes.
type manifestFile struct {
	Version  int             `json:"version"`
	Kind     record.Kind     `json:"kind"`
	Checksum string          `json:"checksum"`
	Records  json.RawMessage `json:"records"`
}

func readManifest(path string) (map[string]*record.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Expected: "manifest json", Actual: err.Error()}
	}
	sum := sha256.Sum256(mf.Records)
	if actual := hex.EncodeToString(sum[:]); actual != mf.Checksum {
		return nil, &vaulterr.CorruptionError{Path: path, Expected: mf.Checksum, Actual: actual}
	}

	recs := make(map[string]*record.Record)
	if err := json.Unmarshal(mf.Records, &recs); err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Expected: "record entries", Actual: err.Error()}
	}
	return recs, nil
}

func (s *Store) writeManifest(kind record.Kind, recs map[string]*record.Record) error {
	body, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode %s manifest: %w", kind, err)
	}
	sum := sha256.Sum256(body)
	data, err := json.Marshal(manifestFile{
		Version:  manifestVersion,
		Kind:     kind,
		Checksum: hex.EncodeToString(sum[:]),
		Records:  body,
	})
	if err != nil {
		return fmt.Errorf("encode %s manifest: %w", kind, err)
	}
	if err := s.writeFile(s.manifestPath(kind), data); err != nil {
		return vaulterr.Transient(fmt.Errorf("write %s manifest: %w", kind, err))
	}
	return nil
}

// writeFile replaces path atomically through a temp file in the same
// directory.
func (s *Store) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if !s.noSync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
