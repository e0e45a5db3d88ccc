package bolt

import "time"

// Stats represents statistics about the database. Its TxStats is only
// updated when a transaction closes, by merging that transaction's
// TxStats into the running total.
type Stats struct {
	// TxStats is the global, cumulative transaction stats.
	TxStats TxStats

	// FreePageN is the number of free pages in the freelist when
	// DB.Stats was called.
	FreePageN int

	// PendingPageN is the number of pending pages in the freelist when
	// DB.Stats was called.
	PendingPageN int
}

// Sub calculates and returns the difference between two sets of database
// stats. This is useful when obtaining stats at two different points in
// time and wanting only the counters that accrued within that span.
func (s *Stats) Sub(other *Stats) Stats {
	var diff Stats
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

func (s *Stats) add(other *Stats) {
	s.TxStats.add(&other.TxStats)
}

// TxStats represents statistics about the operations performed by a
// single transaction.
type TxStats struct {
	// PageCount is the number of page allocations.
	PageCount int
	// PageAlloc is the total bytes allocated.
	PageAlloc int

	// CursorCount is the number of cursors created.
	CursorCount int

	// NodeCount is the number of nodes materialized from pages.
	NodeCount int
	// NodeDeref is the number of node dereferences performed before a
	// remap.
	NodeDeref int

	// Rebalance is the number of node rebalances performed.
	Rebalance int
	// RebalanceTime is the total time spent rebalancing.
	RebalanceTime time.Duration

	// Split is the number of nodes split.
	Split int
	// Spill is the number of nodes spilled.
	Spill int
	// SpillTime is the total time spent spilling.
	SpillTime time.Duration

	// Write is the number of writes performed.
	Write int
	// WriteTime is the total time spent writing to disk.
	WriteTime time.Duration
}

func (s *TxStats) add(other *TxStats) {
	s.PageCount += other.PageCount
	s.PageAlloc += other.PageAlloc
	s.CursorCount += other.CursorCount
	s.NodeCount += other.NodeCount
	s.NodeDeref += other.NodeDeref
	s.Rebalance += other.Rebalance
	s.RebalanceTime += other.RebalanceTime
	s.Split += other.Split
	s.Spill += other.Spill
	s.SpillTime += other.SpillTime
	s.Write += other.Write
	s.WriteTime += other.WriteTime
}

// Sub calculates and returns the difference between two sets of
// transaction stats.
func (s TxStats) Sub(other *TxStats) TxStats {
	var diff TxStats
	diff.PageCount = s.PageCount - other.PageCount
	diff.PageAlloc = s.PageAlloc - other.PageAlloc
	diff.CursorCount = s.CursorCount - other.CursorCount
	diff.NodeCount = s.NodeCount - other.NodeCount
	diff.NodeDeref = s.NodeDeref - other.NodeDeref
	diff.Rebalance = s.Rebalance - other.Rebalance
	diff.RebalanceTime = s.RebalanceTime - other.RebalanceTime
	diff.Split = s.Split - other.Split
	diff.Spill = s.Spill - other.Spill
	diff.SpillTime = s.SpillTime - other.SpillTime
	diff.Write = s.Write - other.Write
	diff.WriteTime = s.WriteTime - other.WriteTime
	return diff
}
