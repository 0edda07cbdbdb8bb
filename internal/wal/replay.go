package wal

import (
	"cmp"
	"slices"
)

// Plan is the outcome of reading the log after the last checkpoint.
type Plan struct {
	// Entries holds the write and delete entries to re-apply, in apply order.
	// Transaction operations appear contiguously, in buffer order, at the
	// position of their commit marker.
	Entries []Entry

	// LastSeq is the highest sequence number present in the log.
	LastSeq uint64

	Standalone int
	Committed  int
	// Discarded counts transactions with no commit marker or with a rollback.
	Discarded int
	// Aborted counts standalone entries cancelled by an abort marker.
	Aborted int
}

type txGroup struct {
	begin    bool
	commit   *Entry
	rollback bool
	ops      []Entry
}

type replayUnit struct {
	entry Entry
	tx    bool
	ops   []Entry
}

// Replay builds the recovery plan. It fails with a CorruptionError on the first
// entry whose checksum does not match.
func (l *Log) Replay() (*Plan, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(entries)
	if plan.LastSeq < l.LastSeq() {
		plan.LastSeq = l.LastSeq()
	}
	return plan, nil
}

// BuildPlan orders entries for replay. Standalone entries and committed
// transactions are sorted by timestamp, ties broken by sequence number.
func BuildPlan(entries []Entry) *Plan {
	plan := &Plan{}
	groups := make(map[string]*txGroup)
	aborted := make(map[uint64]bool)

	group := func(id string) *txGroup {
		g, ok := groups[id]
		if !ok {
			g = &txGroup{}
			groups[id] = g
		}
		return g
	}

	var units []replayUnit
	for _, e := range entries {
		if e.Seq > plan.LastSeq {
			plan.LastSeq = e.Seq
		}
		switch e.Op {
		case OpBegin:
			group(e.TxID).begin = true
		case OpCommit:
			c := e
			group(e.TxID).commit = &c
		case OpRollback:
			group(e.TxID).rollback = true
		case OpAbort:
			var p AbortPayload
			if err := e.Decode(&p); err == nil {
				aborted[p.Seq] = true
			}
		case OpWrite, OpDelete:
			if e.TxID != "" {
				g := group(e.TxID)
				g.ops = append(g.ops, e)
				continue
			}
			units = append(units, replayUnit{entry: e})
		}
	}

	kept := units[:0]
	for _, u := range units {
		if aborted[u.entry.Seq] {
			plan.Aborted++
			continue
		}
		plan.Standalone++
		kept = append(kept, u)
	}
	units = kept

	for _, g := range groups {
		if !g.begin || g.commit == nil || g.rollback {
			plan.Discarded++
			continue
		}
		plan.Committed++
		slices.SortFunc(g.ops, func(a, b Entry) int { return cmp.Compare(a.Seq, b.Seq) })
		units = append(units, replayUnit{entry: *g.commit, tx: true, ops: g.ops})
	}

	slices.SortStableFunc(units, func(a, b replayUnit) int {
		if c := a.entry.Timestamp.Compare(b.entry.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.entry.Seq, b.entry.Seq)
	})

	for _, u := range units {
		if u.tx {
			plan.Entries = append(plan.Entries, u.ops...)
			continue
		}
		plan.Entries = append(plan.Entries, u.entry)
	}
	return plan
}
