// Package capacity guards writes against running the data volume out of space.
package capacity

import (
	"github.com/recordvault/recordvault/internal/vaulterr"
)

// DefaultMinFree is the free space kept in reserve on the data volume.
const DefaultMinFree int64 = 100 * 1024 * 1024

// Volume describes the filesystem holding a path. Available is what an
// unprivileged writer may still use; Free includes reserved blocks.
type Volume struct {
	Total     int64
	Free      int64
	Available int64
}

// Used is the space taken on the volume.
func (v Volume) Used() int64 { return v.Total - v.Free }

// Stat returns the volume holding path.
func Stat(path string) (Volume, error) { return statVolume(path) }

// Guard rejects writes that would leave less than MinFree bytes available.
// A zero Guard allows everything.
type Guard struct {
	Path    string
	MinFree int64

	// stat is swapped out in tests.
	stat func(path string) (Volume, error)
}

// NewGuard returns a guard for the volume holding path.
func NewGuard(path string, minFree int64) *Guard {
	return &Guard{Path: path, MinFree: minFree, stat: statVolume}
}

func (g *Guard) volume() (Volume, error) {
	if g.stat == nil {
		return statVolume(g.Path)
	}
	return g.stat(g.Path)
}

// Check returns a CapacityError if writing size more bytes would breach the
// reserve. Failing to stat the volume is not treated as full.
func (g *Guard) Check(size int64) error {
	if g == nil || g.MinFree <= 0 || g.Path == "" {
		return nil
	}
	v, err := g.volume()
	if err != nil {
		return nil
	}
	if v.Available-size < g.MinFree {
		return &vaulterr.CapacityError{
			Resource:  "disk",
			Limit:     v.Available - g.MinFree,
			Requested: size,
		}
	}
	return nil
}

// Available returns the bytes currently available on the volume.
func (g *Guard) Available() (int64, error) {
	v, err := g.volume()
	return v.Available, err
}
