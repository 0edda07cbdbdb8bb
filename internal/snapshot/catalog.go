// Package snapshot keeps point-in-time copies of an engine's data directory
// and a sqlite catalog describing them.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 0 - no catalog
// 1 - snapshots table
// 2 - label column
const currentSchemaVersion = 2

// Info describes one snapshot.
type Info struct {
	ID      string    `json:"id"`
	Label   string    `json:"label,omitempty"`
	Created time.Time `json:"created"`
	WALSeq  uint64    `json:"wal_seq"`
	Records int       `json:"records"`
	Blobs   int       `json:"blobs"`
	Bytes   int64     `json:"bytes"`
}

// Catalog records the snapshots that exist.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenCatalog creates or opens the catalog database at path.
func OpenCatalog(path string, logger zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect snapshot catalog: %w", err)
	}

	// One writer; the catalog sees a handful of writes per snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Catalog{db: db, logger: logger.With().Str("component", "snapshot").Logger()}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 2 {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('snapshots') WHERE name = 'label'`).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect catalog: %w", err)
		}
		if n == 0 {
			if _, err := db.Exec(`ALTER TABLE snapshots ADD COLUMN label TEXT NOT NULL DEFAULT ''`); err != nil {
				return fmt.Errorf("migrate catalog to v2: %w", err)
			}
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Add records a snapshot.
func (c *Catalog) Add(ctx context.Context, info Info) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, label, created_at, wal_seq, records, blobs, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, info.ID, info.Label, info.Created.UTC().UnixNano(), int64(info.WALSeq), info.Records, info.Blobs, info.Bytes)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", info.ID, err)
	}
	c.logger.Debug().Str("id", info.ID).Msg("Snapshot recorded")
	return nil
}

// List returns every snapshot, newest first.
func (c *Catalog) List(ctx context.Context) ([]Info, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, label, created_at, wal_seq, records, blobs, bytes
		FROM snapshots
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Info{}
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Get returns one snapshot.
func (c *Catalog) Get(ctx context.Context, id string) (Info, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, label, created_at, wal_seq, records, blobs, bytes
		FROM snapshots WHERE id = ?
	`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, vaulterr.NotFound("snapshot", id)
	}
	return info, err
}

// Remove forgets a snapshot.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vaulterr.NotFound("snapshot", id)
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(s scanner) (Info, error) {
	var (
		info    Info
		created int64
		seq     int64
	)
	if err := s.Scan(&info.ID, &info.Label, &created, &seq, &info.Records, &info.Blobs, &info.Bytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, err
		}
		return Info{}, fmt.Errorf("scan snapshot: %w", err)
	}
	info.Created = time.Unix(0, created).UTC()
	info.WALSeq = uint64(seq)
	return info, nil
}
