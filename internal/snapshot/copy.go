package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyStats counts what a copy wrote.
type CopyStats struct {
	Files  int
	Linked int
	Bytes  int64
}

func (s *CopyStats) add(o CopyStats) {
	s.Files += o.Files
	s.Linked += o.Linked
	s.Bytes += o.Bytes
}

// CopyTree copies the regular files under src into dst, creating dst. Paths
// for which skip returns true are left out, directories included. When link
// is set files are hard-linked and only copied if linking fails, as it does
// across file systems. A missing src copies nothing.
func CopyTree(src, dst string, link bool, skip func(rel string) bool) (CopyStats, error) {
	var stats CopyStats
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skip != nil && skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if link {
			if err := os.Link(path, target); err == nil {
				stats.Files++
				stats.Linked++
				stats.Bytes += info.Size()
				return nil
			}
		}
		n, err := CopyFile(path, target)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("copy %s: %w", src, err)
	}
	return stats, nil
}

// CopyFile copies src to dst through a temp file, syncing before the rename.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	n, err := io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, dst)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// Part is one directory of a snapshot.
type Part struct {
	// Name is the directory relative to both the data and snapshot roots.
	Name string
	// Link hard-links files instead of copying them. Only safe for files
	// that are never modified in place.
	Link bool
	Skip func(rel string) bool
}

// Capture copies parts from the data root into dir.
func Capture(root, dir string, parts []Part) (CopyStats, error) {
	var total CopyStats
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return total, fmt.Errorf("create snapshot dir: %w", err)
	}
	for _, p := range parts {
		stats, err := CopyTree(filepath.Join(root, p.Name), filepath.Join(dir, p.Name), p.Link, p.Skip)
		if err != nil {
			return total, err
		}
		total.add(stats)
	}
	return total, nil
}

// Restore replaces each part under root with its copy in dir. The current
// contents are moved aside first and put back if any part fails.
func Restore(dir, root string, parts []Part) (CopyStats, error) {
	var total CopyStats
	aside := filepath.Join(root, ".restore-old")
	if err := os.RemoveAll(aside); err != nil {
		return total, fmt.Errorf("clear restore scratch dir: %w", err)
	}
	if err := os.MkdirAll(aside, 0o755); err != nil {
		return total, fmt.Errorf("create restore scratch dir: %w", err)
	}

	var moved []string
	rollback := func() {
		for _, name := range moved {
			_ = os.RemoveAll(filepath.Join(root, name))
			_ = os.Rename(filepath.Join(aside, name), filepath.Join(root, name))
		}
	}
	for _, p := range parts {
		cur := filepath.Join(root, p.Name)
		if _, err := os.Stat(cur); err == nil {
			if err := os.MkdirAll(filepath.Dir(filepath.Join(aside, p.Name)), 0o755); err != nil {
				rollback()
				return total, err
			}
			if err := os.Rename(cur, filepath.Join(aside, p.Name)); err != nil {
				rollback()
				return total, fmt.Errorf("move %s aside: %w", p.Name, err)
			}
			moved = append(moved, p.Name)
		}
		stats, err := CopyTree(filepath.Join(dir, p.Name), cur, p.Link, p.Skip)
		if err != nil {
			rollback()
			return total, err
		}
		total.add(stats)
	}
	if err := os.RemoveAll(aside); err != nil {
		return total, fmt.Errorf("remove replaced data: %w", err)
	}
	return total, nil
}
