package engine

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// keyLocks serialises read-merge-enqueue sequences per record id. Ids share
// stripes; several stripes are always taken in ascending order.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func stripe(id string) int {
	return int(xxhash.Sum64String(id) % lockStripes)
}

func (l *keyLocks) lock(id string) (unlock func()) {
	m := &l.stripes[stripe(id)]
	m.Lock()
	return sync.OnceFunc(m.Unlock)
}

func (l *keyLocks) lockAll(ids []string) (unlock func()) {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		idx = append(idx, stripe(id))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return sync.OnceFunc(func() {
		for _, i := range slices.Backward(idx) {
			l.stripes[i].Unlock()
		}
	})
}
