package cas

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	refPrefix  = "r/"
	zeroPrefix = "z/"
)

// refTable keeps reference counts and the set of blobs whose count reached
// zero, keyed by hash. Callers serialize access per hash.
type refTable struct {
	db     *leveldb.DB
	noSync bool
}

func openRefTable(path string, noSync bool) (*refTable, error) {
	o := &opt.Options{
		OpenFilesCacheCapacity: 64,
		Compression:            opt.NoCompression,
		Filter:                 filter.NewBloomFilter(10),
		NoSync:                 noSync,
	}
	db, err := leveldb.OpenFile(path, o)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("open ref table: %w", err)
	}
	return &refTable{db: db, noSync: noSync}, nil
}

func (r *refTable) count(hash string) (uint64, error) {
	v, err := r.db.Get([]byte(refPrefix+hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get refcount: %w", err)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("invalid refcount length %d for %s", len(v), hash)
	}
	return binary.LittleEndian.Uint64(v), nil
}

// zeroSince reports when hash's count dropped to zero.
func (r *refTable) zeroSince(hash string) (time.Time, bool, error) {
	v, err := r.db.Get([]byte(zeroPrefix+hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get zero marker: %w", err)
	}
	if len(v) != 8 {
		return time.Time{}, false, fmt.Errorf("invalid zero marker length %d for %s", len(v), hash)
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(v))), true, nil
}

// setCount writes the count. A zero count removes the reference entry and
// marks the hash as a GC candidate as of now.
func (r *refTable) setCount(hash string, n uint64, now time.Time) error {
	batch := new(leveldb.Batch)
	putCount(batch, hash, n, now)
	return r.write(batch)
}

func putCount(batch *leveldb.Batch, hash string, n uint64, now time.Time) {
	if n == 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(now.UnixNano()))
		batch.Delete([]byte(refPrefix + hash))
		batch.Put([]byte(zeroPrefix+hash), buf[:])
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	batch.Put([]byte(refPrefix+hash), buf[:])
	batch.Delete([]byte(zeroPrefix + hash))
}

// forget drops every trace of hash.
func (r *refTable) forget(hash string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(refPrefix + hash))
	batch.Delete([]byte(zeroPrefix + hash))
	return r.write(batch)
}

func (r *refTable) write(batch *leveldb.Batch) error {
	if err := r.db.Write(batch, &opt.WriteOptions{Sync: !r.noSync}); err != nil {
		return fmt.Errorf("write ref table: %w", err)
	}
	return nil
}

// zeroCandidates lists hashes whose count reached zero before cutoff.
func (r *refTable) zeroCandidates(cutoff time.Time) ([]string, error) {
	it := r.db.NewIterator(util.BytesPrefix([]byte(zeroPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		if len(it.Value()) != 8 {
			continue
		}
		since := time.Unix(0, int64(binary.LittleEndian.Uint64(it.Value())))
		if !since.After(cutoff) {
			out = append(out, string(it.Key()[len(zeroPrefix):]))
		}
	}
	return out, it.Error()
}

// known reports whether hash has either a count or a zero marker.
func (r *refTable) known(hash string) (bool, error) {
	has, err := r.db.Has([]byte(refPrefix+hash), nil)
	if err != nil || has {
		return has, err
	}
	return r.db.Has([]byte(zeroPrefix+hash), nil)
}

// totals counts referenced blobs, total references and zero-count blobs.
func (r *refTable) totals() (referenced int64, references uint64, zero int64, err error) {
	it := r.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		key := string(it.Key())
		switch {
		case len(key) > len(refPrefix) && key[:len(refPrefix)] == refPrefix:
			if len(it.Value()) == 8 {
				referenced++
				references += binary.LittleEndian.Uint64(it.Value())
			}
		case len(key) > len(zeroPrefix) && key[:len(zeroPrefix)] == zeroPrefix:
			zero++
		}
	}
	return referenced, references, zero, it.Error()
}

// replace swaps the whole table for counts. Hashes in present but absent
// from counts become GC candidates.
func (r *refTable) replace(counts map[string]uint64, present []string, now time.Time) error {
	batch := new(leveldb.Batch)
	it := r.db.NewIterator(nil, nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan ref table: %w", err)
	}
	for hash, n := range counts {
		putCount(batch, hash, n, now)
	}
	for _, hash := range present {
		if counts[hash] == 0 {
			putCount(batch, hash, 0, now)
		}
	}
	return r.write(batch)
}

func (r *refTable) close() error {
	return r.db.Close()
}
