// Package wal implements the write-ahead log: a single append-only file of
// checksummed entries plus a checkpoint marker recording how far the log has
// been applied.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

const logFileName = "wal.log"

// CheckpointFileName is the checkpoint marker inside the log directory.
const CheckpointFileName = "checkpoint.json"

// Op is the kind of a log entry.
type Op string

const (
	OpWrite    Op = "write"
	OpDelete   Op = "delete"
	OpBegin    Op = "begin"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	// OpAbort voids a single standalone entry whose apply was given up on.
	// Its payload is an AbortPayload.
	OpAbort Op = "abort"
)

// Entry is one line of the log.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Op        Op              `json:"op"`
	Key       string          `json:"key,omitempty"`
	TxID      string          `json:"tx,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  uint64          `json:"sum"`
}

// AbortPayload names the entry an abort marker cancels.
type AbortPayload struct {
	Seq uint64 `json:"seq"`
}

// Decode unmarshals the entry payload into v.
func (e *Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("entry %d has no payload", e.Seq)
	}
	return json.Unmarshal(e.Payload, v)
}

func (e *Entry) sum() uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	_, _ = d.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.UnixNano()))
	_, _ = d.Write(buf[:])
	for _, s := range []string{string(e.Op), e.Key, e.TxID} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	_, _ = d.Write(e.Payload)
	return d.Sum64()
}

// Checkpoint is the persisted marker. Every entry with Seq <= the marker's Seq
// has been durably applied. Clean is true only when the engine shut down
// through Close.
type Checkpoint struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Clean     bool      `json:"clean"`
}

// Config configures a Log.
type Config struct {
	Dir    string
	NoSync bool
	Logger zerolog.Logger
	Now    func() time.Time
}

// Log is the write-ahead log. It is safe for concurrent use.
type Log struct {
	mu sync.Mutex

	dir        string
	path       string
	file       *os.File
	size       int64
	lastSeq    uint64
	checkpoint Checkpoint
	noSync     bool
	now        func() time.Time
	logger     zerolog.Logger
	closed     bool
}

// Open opens or creates the log in cfg.Dir. A torn final line left by a crash
// during append is truncated; a complete line that fails its checksum is
// reported as corruption by Replay, not here.
func Open(cfg Config) (*Log, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := &Log{
		dir:    cfg.Dir,
		path:   filepath.Join(cfg.Dir, logFileName),
		noSync: cfg.NoSync,
		now:    now,
		logger: cfg.Logger.With().Str("component", "wal").Logger(),
	}

	cp, err := readCheckpoint(filepath.Join(cfg.Dir, CheckpointFileName))
	if err != nil {
		return nil, err
	}
	l.checkpoint = cp
	l.lastSeq = cp.Seq

	res, err := scanFile(l.path, false)
	if err != nil {
		return nil, err
	}
	if res.torn {
		l.logger.Warn().
			Int64("offset", res.validLen).
			Msg("Truncating incomplete trailing WAL entry")
		if err := os.Truncate(l.path, res.validLen); err != nil {
			return nil, fmt.Errorf("truncate torn wal entry: %w", err)
		}
	}
	if res.maxSeq > l.lastSeq {
		l.lastSeq = res.maxSeq
	}
	l.size = res.validLen

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	l.file = f
	return l, nil
}

// Append durably writes entries as one unit and returns them with sequence
// numbers, timestamps and checksums assigned. On error nothing is appended.
func (l *Log) Append(entries ...Entry) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("append wal: %w", vaulterr.ErrClosed)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	out := make([]Entry, len(entries))
	seq := l.lastSeq
	for i, e := range entries {
		seq++
		e.Seq = seq
		if e.Timestamp.IsZero() {
			e.Timestamp = l.now().UTC()
		}
		if len(e.Payload) > 0 {
			var compact bytes.Buffer
			if err := json.Compact(&compact, e.Payload); err != nil {
				return nil, fmt.Errorf("wal payload for %s: %v: %w", e.Key, err, vaulterr.ErrInvalid)
			}
			e.Payload = compact.Bytes()
		}
		e.Checksum = e.sum()
		if err := enc.Encode(&e); err != nil {
			return nil, fmt.Errorf("encode wal entry: %w", err)
		}
		out[i] = e
	}

	n, err := l.file.Write(buf.Bytes())
	if err == nil && !l.noSync {
		err = l.file.Sync()
	}
	if err != nil {
		if n > 0 {
			// Drop the partial frame so later appends start on a clean line.
			if terr := l.file.Truncate(l.size); terr != nil {
				l.logger.Error().Err(terr).Msg("Failed to roll back partial WAL append")
			}
		}
		return nil, vaulterr.Transient(fmt.Errorf("append wal: %w", err))
	}

	l.size += int64(n)
	l.lastSeq = seq
	return out, nil
}

// Entries returns every entry after the checkpoint in file order, verifying
// checksums.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := scanFile(l.path, true)
	if err != nil {
		return nil, err
	}
	out := res.entries[:0]
	for _, e := range res.entries {
		if e.Seq > l.checkpoint.Seq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Checkpoint records that every entry up to seq is applied and drops those
// entries from the log. The marker is written before the log is rewritten, so a
// crash in between only leaves already-applied entries that replay skips.
func (l *Log) Checkpoint(seq uint64, clean bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("checkpoint wal: %w", vaulterr.ErrClosed)
	}
	if seq > l.lastSeq {
		return fmt.Errorf("checkpoint %d beyond last entry %d: %w", seq, l.lastSeq, vaulterr.ErrInvalid)
	}
	if seq < l.checkpoint.Seq {
		seq = l.checkpoint.Seq
	}

	cp := Checkpoint{Seq: seq, Timestamp: l.now().UTC(), Clean: clean}
	if err := writeCheckpoint(filepath.Join(l.dir, CheckpointFileName), cp, l.noSync); err != nil {
		return err
	}
	l.checkpoint = cp

	return l.compact(seq)
}

// compact rewrites the log keeping entries after seq. Caller holds l.mu.
func (l *Log) compact(seq uint64) error {
	res, err := scanFile(l.path, false)
	if err != nil {
		return err
	}

	var kept bytes.Buffer
	for i, e := range res.entries {
		if e.Seq > seq {
			kept.Write(res.lines[i])
			kept.WriteByte('\n')
		}
	}
	if int64(kept.Len()) == l.size {
		return nil
	}

	tmp, err := os.CreateTemp(l.dir, ".wal-*.tmp")
	if err != nil {
		return fmt.Errorf("create wal temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(kept.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write compacted wal: %w", err)
	}
	if !l.noSync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("sync compacted wal: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close compacted wal: %w", err)
	}

	if err := l.file.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to close WAL before compaction")
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace wal: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	l.file = f
	l.size = int64(kept.Len())
	syncDir(l.dir, l.noSync)

	l.logger.Debug().
		Uint64("seq", seq).
		Int64("size", l.size).
		Msg("WAL compacted")
	return nil
}

// Reset discards every entry. Sequence numbers keep increasing across a reset.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := Checkpoint{Seq: l.lastSeq, Timestamp: l.now().UTC()}
	if err := writeCheckpoint(filepath.Join(l.dir, CheckpointFileName), cp, l.noSync); err != nil {
		return err
	}
	l.checkpoint = cp
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	l.size = 0
	return nil
}

// LastCheckpoint returns the marker in effect.
func (l *Log) LastCheckpoint() Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint
}

// LastSeq returns the highest sequence number handed out.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Size returns the log file size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close closes the log file. It does not write a checkpoint.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

type scanResult struct {
	entries  []Entry
	lines    [][]byte
	maxSeq   uint64
	validLen int64
	torn     bool
}

// scanFile reads the log. When verify is set a bad line stops the scan with a
// CorruptionError; otherwise bad complete lines are kept only for seq tracking
// and left for Replay to report.
func scanFile(path string, verify bool) (*scanResult, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &scanResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}

	res := &scanResult{}
	end := bytes.LastIndexByte(data, '\n') + 1
	if end < len(data) {
		res.torn = true
	}
	res.validLen = int64(end)

	sc := bufio.NewScanner(bytes.NewReader(data[:end]))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if verify {
				return nil, &vaulterr.CorruptionError{
					Path:     path,
					Key:      "line " + strconv.Itoa(lineNo),
					Expected: "json entry",
					Actual:   err.Error(),
				}
			}
			continue
		}
		if verify {
			if got := e.sum(); got != e.Checksum {
				return nil, &vaulterr.CorruptionError{
					Path:     path,
					Key:      "seq " + strconv.FormatUint(e.Seq, 10),
					Expected: strconv.FormatUint(e.Checksum, 16),
					Actual:   strconv.FormatUint(got, 16),
				}
			}
		}
		if e.Seq > res.maxSeq {
			res.maxSeq = e.Seq
		}
		res.entries = append(res.entries, e)
		res.lines = append(res.lines, bytes.Clone(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	return res, nil
}

func readCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// A fresh directory has nothing to recover.
		return Checkpoint{Clean: true}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, &vaulterr.CorruptionError{Path: path, Expected: "checkpoint marker", Actual: err.Error()}
	}
	return cp, nil
}

func writeCheckpoint(path string, cp Checkpoint, noSync bool) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if !noSync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync checkpoint: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	syncDir(filepath.Dir(path), noSync)
	return nil
}

func syncDir(dir string, noSync bool) {
	if noSync {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
