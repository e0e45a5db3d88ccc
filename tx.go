package bolt

import (
	"fmt"
	"time"
)

// Tx represents a read-only or read-write transaction on the database.
// Read-only transactions can be used for retrieving values for keys and
// creating cursors. Read-write transactions can create and remove
// buckets and create and remove keys.
//
// IMPORTANT: You must commit or rollback transactions when you are done
// with them. Pages can not be reclaimed by the writer until no more
// transactions are using them. A long running read transaction can
// cause the database to quickly grow.
type Tx struct {
	writable bool
	managed  bool
	db       *DB
	meta     *meta
	root     Bucket
	pages    map[pgid]*page
	stats    TxStats
}

// init initializes the transaction against a database, taking a private
// snapshot of its current meta page and, for a writable tx, a dirty-page
// buffer used by the commit pipeline.
func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	tx.root = newBucket(tx)
	tx.root.bucketHeader = &bucketHeader{root: tx.meta.root, sequence: tx.meta.sequence}

	if tx.writable {
		tx.pages = make(map[pgid]*page)
		tx.meta.txid += txid(1)
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() int {
	return int(tx.meta.txid)
}

func (tx *Tx) id() txid {
	return tx.meta.txid
}

// DB returns the database that started the transaction.
func (tx *Tx) DB() *DB {
	return tx.db
}

// Writable returns whether the transaction can perform write operations.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Stats returns a copy of the current transaction statistics.
func (tx *Tx) Stats() TxStats {
	return tx.stats
}

// Bucket retrieves a bucket by name. Returns nil if the bucket does not
// exist.
func (tx *Tx) Bucket(name []byte) *Bucket {
	return tx.root.Bucket(name)
}

// CreateBucket creates a new bucket. Returns an error if the bucket
// already exists or if the bucket name is blank. The length of the name
// is not checked. The bucket instance is only valid for the lifetime of
// the transaction.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	return tx.root.CreateBucket(name)
}

// CreateBucketIfNotExists creates a new bucket if it doesn't already
// exist. Returns an error if the bucket name is blank. The length of the
// name is not checked.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a bucket. Returns an error if the bucket cannot be
// found or if the key represents a non-bucket value.
func (tx *Tx) DeleteBucket(name []byte) error {
	return tx.root.DeleteBucket(name)
}

// ForEach executes a function for each bucket in the root. If the
// provided function returns an error then the iteration is stopped and
// the error is returned to the caller.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, v []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// Cursor creates a cursor associated with the root bucket. All items in
// the cursor will return a nil value because all root-level keys point
// to buckets. The cursor is only valid as long as the transaction is
// open.
func (tx *Tx) Cursor() *Cursor {
	return tx.root.Cursor()
}

// page returns the page (dirty, if this writable tx has modified it, or
// from the mmap otherwise) with the given id.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p
		}
	}
	return tx.db.page(id)
}

// allocate allocates count contiguous pages for this transaction and
// records them in its dirty-page buffer.
func (tx *Tx) allocate(count int) (*page, error) {
	p, err := tx.db.allocate(count)
	if err != nil {
		return nil, err
	}

	tx.pages[p.id] = p
	tx.stats.PageCount++
	tx.stats.PageAlloc += count * tx.db.pageSize

	return p, nil
}

// Commit writes all changes to disk and updates the meta page.
// Returns an error if a disk write error occurs, or ErrTxNotWritable if
// called on a read-only transaction.
func (tx *Tx) Commit() error {
	_assert(!tx.managed, "managed tx commit not allowed")
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	startTime := time.Now()

	tx.root.rebalance()
	tx.stats.RebalanceTime += time.Since(startTime)

	startTime = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.SpillTime += time.Since(startTime)

	tx.meta.root = tx.root.root
	tx.meta.sequence = tx.root.sequence

	opgid := tx.meta.pgid

	tx.db.freelist.free(tx.meta.txid, tx.db.page(tx.meta.freelist))

	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize) + 1)
	if err != nil {
		tx.rollback()
		return err
	}
	tx.db.freelist.write(p)
	tx.meta.freelist = p.id

	if minsz := int(tx.meta.pgid+1) * tx.db.pageSize; tx.meta.pgid > opgid && minsz > len(tx.db.data) {
		if err := tx.db.mmap(minsz); err != nil {
			tx.rollback()
			return err
		}
	}

	startTime = time.Now()
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}

	tx.stats.WriteTime += time.Since(startTime)

	tx.close()

	return nil
}

// write flushes every dirty page buffered by this transaction to disk,
// in ascending pgid order, followed by an fdatasync.
func (tx *Tx) write() error {
	pages := make(pgids, 0, len(tx.pages))
	for id := range tx.pages {
		pages = append(pages, id)
	}
	pages.sort()

	for _, id := range pages {
		p := tx.pages[id]
		size := (int(p.overflow) + 1) * tx.db.pageSize
		offset := int64(p.id) * int64(tx.db.pageSize)

		buf := (*[maxAllocSize]byte)(unsafePointerOfPage(p))[:size]
		if _, err := tx.db.ops.writeAt(buf, offset); err != nil {
			return err
		}

		tx.stats.Write++
	}

	if err := fdatasync(tx.db.file); err != nil {
		return err
	}

	for _, id := range pages {
		delete(tx.pages, id)
	}

	return nil
}

// writeMeta serializes and writes the current meta page, selecting the
// alternate meta slot by txid parity, then fdatasyncs it.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	tx.meta.write(p)

	offset := int64(p.id) * int64(tx.db.pageSize)
	if _, err := tx.db.ops.writeAt(buf[:tx.db.pageSize], offset); err != nil {
		return err
	}
	if err := fdatasync(tx.db.file); err != nil {
		return err
	}

	return nil
}

// Rollback closes the transaction and ignores all previous updates.
// Read-only transactions must be rolled back and not committed.
func (tx *Tx) Rollback() error {
	_assert(!tx.managed, "managed tx rollback not allowed")
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.rollback()
	return nil
}

func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		tx.db.freelist.read(tx.db.page(tx.db.meta().freelist))
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}

	if tx.writable {
		tx.db.rwlock.Unlock()
		tx.db.rwtx = nil
	} else {
		tx.db.removeTx(tx)
	}

	tx.db.stats.TxStats.add(&tx.stats)

	tx.db = nil
}

// Check performs several consistency checks on the database and returns
// a list of errors, if any are found. This check is not run
// automatically; it is meant for diagnostics.
func (tx *Tx) Check() error {
	var errs ErrorList

	reachable := make(map[pgid]*page)
	reachable[0] = tx.page(0)
	reachable[1] = tx.page(1)
	for i := uint32(0); i <= tx.page(tx.meta.freelist).overflow; i++ {
		reachable[tx.meta.freelist+pgid(i)] = tx.page(tx.meta.freelist)
	}

	tx.checkBucket(&tx.root, reachable, &errs)

	for i := pgid(0); i < tx.meta.pgid; i++ {
		if _, ok := reachable[i]; ok {
			if tx.db.freelist.isFree(i) {
				errs = append(errs, fmt.Errorf("page %d: reachable and freed", int(i)))
			}
			continue
		}
		if !tx.db.freelist.isFree(i) {
			errs = append(errs, fmt.Errorf("%w: page %d", ErrPageUnreachableUnfreed, int(i)))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[pgid]*page, errs *ErrorList) {
	if b.root == 0 {
		return
	}

	tx.forEachPage(b.root, func(p *page) {
		for i := pgid(0); i <= pgid(p.overflow); i++ {
			id := p.id + i
			if _, ok := reachable[id]; ok {
				*errs = append(*errs, fmt.Errorf("%w: page %d", ErrPageMultipleReferences, int(id)))
			}
			reachable[id] = p
		}

		if p.id >= tx.meta.pgid {
			*errs = append(*errs, fmt.Errorf("%w: page %d", ErrPageOutOfBounds, int(p.id)))
		} else if (p.flags & (branchPageFlag | leafPageFlag)) == 0 {
			*errs = append(*errs, fmt.Errorf("%w: page %d has type %s", ErrInvalidPage, int(p.id), p.typ()))
		}
	})

	_ = b.ForEach(func(k, _ []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, errs)
		}
		return nil
	})
}

// forEachPage walks every page reachable from id, purely from the
// on-disk structure (ignoring any in-memory nodes), calling fn on each.
// Used only by Check, which always runs against a clean, just-committed
// view of the tree.
func (tx *Tx) forEachPage(id pgid, fn func(p *page)) {
	p := tx.page(id)
	fn(p)

	if (p.flags & branchPageFlag) != 0 {
		for i := 0; i < int(p.count); i++ {
			elem := p.branchPageElement(uint16(i))
			tx.forEachPage(elem.pgid, fn)
		}
	}
}

// dereference copies every byte slice the transaction's root bucket (and
// its nested buckets) might hold a reference into the mmap for, onto the
// heap. Called before a remap invalidates the existing mapping.
func (tx *Tx) dereference() {
	tx.root.dereference()
}
