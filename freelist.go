package bolt

import "fmt"

// freelist tracks pages that are not reachable from the active meta and
// are therefore available for allocation. Pages released by the current
// writer are held in pending, keyed by the txid that released them, and
// are only promoted into ids once no open reader could still be
// resolving a page through the meta that made them free.
type freelist struct {
	ids     []pgid            // free and available for allocation
	pending map[txid][]pgid   // pages released by a tx, not yet promoted to ids
	allocs  []pgid            // pages allocated by the current write tx (for rollback)
	cache   map[pgid]struct{} // fast lookup: union of ids and all pending
}

// newFreelist returns an empty, initialized freelist.
func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]struct{}),
	}
}

// size returns the size, in bytes, of the page needed to hold the
// current free and pending page ids.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first element stores the true count; see page.writeFreeList.
		n++
	}
	return pageHeaderSize + 8*n
}

// count returns the number of free and pending page ids.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

// freeCount returns the number of free page ids.
func (f *freelist) freeCount() int {
	return len(f.ids)
}

// pendingCount returns the number of pending page ids across all
// transactions.
func (f *freelist) pendingCount() int {
	var n int
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// allocate returns the starting pgid of the first run of n contiguous
// pages found in ids. It removes that run from ids and records it in
// allocs. It returns 0 if no such run exists.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation %d", id))
		}

		if previd == 0 || id-previd != 1 {
			initial = id
		}

		if (id-initial)+1 == pgid(n) {
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}
			f.allocs = append(f.allocs, initial)
			return initial
		}

		previd = id
	}
	return 0
}

// allocateNew records an allocation that came from growing the file (the
// freelist had no run of the requested size) so rollback can reclaim it.
func (f *freelist) allocateNew(id pgid) {
	f.allocs = append(f.allocs, id)
}

// free releases a page and its overflow run into the pending set for the
// given transaction. It panics on a reserved meta page id or a
// double-free, both of which indicate a bug in the caller.
func (f *freelist) free(id txid, p *page) {
	if p.id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id))
	}

	ids := f.pending[id]
	for i := pgid(0); i <= pgid(p.overflow); i++ {
		pid := p.id + i
		if _, ok := f.cache[pid]; ok {
			panic(fmt.Sprintf("page %d already freed", pid))
		}
		ids = append(ids, pid)
		f.cache[pid] = struct{}{}
	}
	f.pending[id] = ids
}

// release moves pending pages released by transactions at or before txid
// into the free list. It is called when beginning a new write
// transaction, once the oldest open reader's txid is known, so pages
// freed by commits that no reader can still observe become reusable.
func (f *freelist) release(tid txid) {
	m := make(pgids, 0)
	for txid, ids := range f.pending {
		if txid <= tid {
			m = append(m, ids...)
			delete(f.pending, txid)
		}
	}
	m.sort()
	f.ids = pgids(f.ids).merge(m)
}

// releaseRange moves pending pages whose releasing txid falls in
// [begin, end] into the free list. It exists to support callers that
// track a window of outstanding readers rather than a single minimum.
func (f *freelist) releaseRange(begin, end txid) {
	if begin > end {
		return
	}
	var m pgids
	for tid, ids := range f.pending {
		if tid < begin || tid > end {
			continue
		}
		m = append(m, ids...)
		delete(f.pending, tid)
	}
	m.sort()
	f.ids = pgids(f.ids).merge(m)
}

// rollback restores ids to the union of ids and allocs (undoing this
// transaction's allocations), clears allocs and the pending entry of
// transaction id, and updates cache to match. Pending pages of other
// transactions are left as they are.
func (f *freelist) rollback(id txid) {
	for _, pid := range f.pending[id] {
		delete(f.cache, pid)
	}
	delete(f.pending, id)

	for _, pid := range f.allocs {
		delete(f.cache, pid)
	}

	f.ids = pgids(f.ids).merge(f.allocs)
	f.allocs = nil

	for _, id := range f.ids {
		f.cache[id] = struct{}{}
	}
}

// isFree reports whether a page id is free or pending release.
func (f *freelist) isFree(id pgid) bool {
	_, ok := f.cache[id]
	return ok
}

// read initializes ids from a freelist page.
func (f *freelist) read(p *page) {
	if (p.flags & freelistPageFlag) == 0 {
		panic(fmt.Sprintf("invalid freelist page: %s", p.typ()))
	}

	f.ids = p.freeList()
	f.cache = make(map[pgid]struct{}, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = struct{}{}
	}
}

// write serializes the union of free and pending page ids into p. The
// on-disk freelist is conservative about what is safe to reuse after a
// crash: since no reader can survive a process restart, anything pending
// at the moment of a durable commit is free on the next open. In memory,
// pending stays segregated by releasing txid until release() promotes it
// once no open reader could still need it.
//
// allocs is cleared here: once this transaction's pages are durably
// written, the bookkeeping kept solely to undo its own allocations on
// rollback is no longer needed.
func (f *freelist) write(p *page) {
	ids := make(pgids, len(f.ids))
	copy(ids, f.ids)
	for _, pending := range f.pending {
		ids = append(ids, pending...)
	}
	ids.sort()

	f.allocs = nil

	p.writeFreeList(ids)
}
