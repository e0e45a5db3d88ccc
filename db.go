package bolt

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// The smallest size that the mmap can be.
const minMmapSize = 1 << 22 // 4MB

// The largest step that can be taken when remapping the mmap.
const maxMmapStep = 1 << 30 // 1GB

// DefaultOptions is used when nil is passed to Open.
var DefaultOptions = &Options{
	Timeout: 0,
}

// Options represents the knobs available when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to acquire the file lock
	// before giving up with ErrTimeout. A zero value means block
	// indefinitely.
	Timeout time.Duration

	// NoGrowSync is copied onto the DB by Open but has no effect: growing
	// the database never truncates or fsyncs the file as a separate step,
	// whatever its value.
	NoGrowSync bool

	// ReadOnly opens the database file in read-only mode. No write
	// transactions may be started, and a shared file lock is taken
	// instead of an exclusive one.
	ReadOnly bool

	// InitialMmapSize is the initial size, in bytes, of the memory map.
	// Setting this large enough up front avoids remapping while loading
	// a large, pre-existing database.
	InitialMmapSize int
}

// DB represents a collection of buckets persisted to a single file on
// disk, accessed through a B+tree of copy-on-write pages. All data
// access is performed through transactions obtained from the DB.
type DB struct {
	path     string
	file     *os.File
	readOnly bool

	data     []byte
	dataref  mmap.MMap
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	stats    Stats

	noGrowSync bool

	rwlock   sync.Mutex   // allows only one writer at a time
	metalock sync.Mutex   // protects meta page access
	mmaplock sync.RWMutex // protects mmap access during remapping

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Path returns the path to the currently open database file.
func (db *DB) Path() string {
	return db.path
}

// GoString returns the Go string representation of the database.
func (db *DB) GoString() string {
	return fmt.Sprintf("bolt.DB{path:%q}", db.path)
}

// String returns the string representation of the database.
func (db *DB) String() string {
	return fmt.Sprintf("DB<%q>", db.path)
}

// Open creates and opens a database at the given path. If the file does
// not exist then it will be created automatically with the given mode.
// Passing nil for options is equivalent to DefaultOptions.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	if options == nil {
		options = DefaultOptions
	}

	db := &DB{opened: true}
	db.noGrowSync = options.NoGrowSync
	db.readOnly = options.ReadOnly
	db.path = path

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	var err error
	if db.file, err = os.OpenFile(db.path, flag, mode); err != nil {
		_ = db.close()
		return nil, err
	}

	if !db.readOnly {
		if err := flock(db, true, options.Timeout); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		if err := flock(db, false, options.Timeout); err != nil {
			_ = db.close()
			return nil, err
		}
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		return nil, fmt.Errorf("stat error: %s", err)
	} else if info.Size() == 0 {
		if err := db.init(); err != nil {
			return nil, err
		}
	} else {
		var buf [0x1000]byte
		if _, err := db.file.ReadAt(buf[:], 0); err == nil {
			m := db.pageInBuffer(buf[:], 0).meta()
			if err := m.validate(); err != nil {
				return nil, fmt.Errorf("meta error: %s", err)
			}
			db.pageSize = int(m.pageSize)
		}
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist()
	db.freelist.read(db.page(db.meta().freelist))

	return db, nil
}

// mmap opens the underlying memory-mapped file and initializes the meta
// references. minsz is the minimum size the new mapping must cover.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if db.rwtx != nil {
		db.rwtx.dereference()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return fmt.Errorf("file size too small")
	}

	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size = db.mmapSize(size)

	prot := mmap.RDONLY
	ref, err := mmap.MapRegion(db.file, size, prot, 0, 0)
	if err != nil {
		return err
	}

	db.dataref = ref
	db.data = []byte(ref)

	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	if err := db.meta0.validate(); err != nil {
		return fmt.Errorf("meta0 error: %s", err)
	}
	if err := db.meta1.validate(); err != nil {
		return fmt.Errorf("meta1 error: %s", err)
	}

	return nil
}

// munmap unmaps the data file from memory.
func (db *DB) munmap() error {
	if db.dataref == nil {
		return nil
	}
	if err := db.dataref.Unmap(); err != nil {
		return fmt.Errorf("unmap error: %s", err)
	}
	db.dataref = nil
	db.data = nil
	return nil
}

// mmapSize determines the appropriate size for the mmap given the
// current size of the database. The minimum size is 4MB and it doubles
// until it reaches 1GB, after which it grows by 1GB increments.
func (db *DB) mmapSize(size int) int {
	if size < minMmapSize {
		return minMmapSize
	} else if size < maxMmapStep {
		size *= 2
	} else {
		size += maxMmapStep
	}

	if (size % db.pageSize) != 0 {
		size = ((size / db.pageSize) + 1) * db.pageSize
	}

	return size
}

// init creates a new database file and writes its bootstrap pages: two
// meta pages, an empty freelist page, and an empty leaf page that
// becomes the root bucket.
func (db *DB) init() error {
	db.pageSize = os.Getpagesize()

	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = 3
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	p := db.pageInBuffer(buf, pgid(2))
	p.id = pgid(2)
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, pgid(3))
	p.id = pgid(3)
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	return fdatasync(db.file)
}

// Close releases all database resources. All transactions must be
// closed before calling Close.
func (db *DB) Close() error {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	db.opened = false

	db.freelist = nil
	db.path = ""

	db.ops.writeAt = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	return nil
}

// Begin starts a new transaction. Multiple read-only transactions can
// run concurrently, but only one write transaction can run at a time.
// Starting additional write transactions blocks until the current one
// finishes.
//
// IMPORTANT: read-only transactions must be closed (Rollback) when
// finished, or the database cannot reclaim the pages they pin.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)

	db.txs = append(db.txs, t)

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	var minid txid = 0xFFFFFFFFFFFFFFFF
	for _, t := range db.txs {
		if t.id() < minid {
			minid = t.id()
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// removeTx deregisters a closed read-only transaction and merges its
// stats into the database total.
func (db *DB) removeTx(t *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	for i, tx := range db.txs {
		if tx == t {
			db.txs = append(db.txs[:i], db.txs[i+1:]...)
			break
		}
	}
}

// Update executes fn within the context of a read-write managed
// transaction. If fn returns nil the transaction is committed;
// otherwise it is rolled back and the error is returned.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View executes fn within the context of a managed read-only
// transaction. Any error fn returns is returned from View.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Rollback()
}

// Copy writes the entire database to w. A reader transaction is held
// for the duration of the copy so the database remains usable, and
// reclaimable pages are not reused, while it runs.
func (db *DB) Copy(w io.Writer) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	f, err := os.Open(db.path)
	if err != nil {
		_ = t.Rollback()
		return err
	}

	db.metalock.Lock()
	_, err = io.CopyN(w, f, int64(db.pageSize*2))
	db.metalock.Unlock()
	if err != nil {
		_ = t.Rollback()
		_ = f.Close()
		return fmt.Errorf("meta copy: %s", err)
	}

	if _, err := io.Copy(w, f); err != nil {
		_ = t.Rollback()
		_ = f.Close()
		return err
	}

	if err := t.Rollback(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// CopyFile copies the entire database to a file at path.
func (db *DB) CopyFile(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if err := db.Copy(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Stats retrieves ongoing performance stats for the database. The
// transaction counters are only updated when a transaction closes; the
// free and pending page counts are read from the freelist at the time
// of the call.
func (db *DB) Stats() Stats {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	s := db.stats
	s.FreePageN = db.freelist.freeCount()
	s.PendingPageN = db.freelist.pendingCount()
	return s
}

// Check performs a full consistency scan of the database: every page
// below the high-water mark must be either reachable from a bucket or
// present in the freelist, and never both. It is not run automatically.
func (db *DB) Check() error {
	return db.View(func(tx *Tx) error {
		return tx.Check()
	})
}

// page retrieves a page reference from the mmap'd region.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer retrieves a page reference from a caller-supplied buffer.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// meta returns the active meta page: the one of the pair with the
// higher transaction id.
func (db *DB) meta() *meta {
	if db.meta0.txid > db.meta1.txid {
		return db.meta0
	}
	return db.meta1
}

// allocate returns a contiguous run of count pages, first from the
// freelist and, failing that, by growing the file's high-water mark
// (and remapping if necessary).
func (db *DB) allocate(count int) (*page, error) {
	buf := make([]byte, count*db.pageSize)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	if p.id = db.freelist.allocate(count); p.id != 0 {
		return p, nil
	}

	p.id = db.rwtx.meta.pgid
	minsz := int((p.id + pgid(count) + 1)) * db.pageSize
	if minsz >= len(db.data) {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)
	db.freelist.allocateNew(p.id)

	return p, nil
}
