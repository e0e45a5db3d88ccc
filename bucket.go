package bolt

import (
	"bytes"
)

// MaxKeySize is the maximum length of a key, in bytes.
const MaxKeySize = 32768

// MaxValueSize is the maximum length of a value, in bytes.
const MaxValueSize = (1 << 31) - 2

const (
	minFillPercent = 0.1
	maxFillPercent = 1.0

	// DefaultFillPercent is the initial value of Bucket.FillPercent.
	DefaultFillPercent = 0.5
)

// Bucket represents a collection of key/value pairs, or nested buckets,
// inside the database. All Bucket operations are only valid while the
// transaction that created the Bucket is open; after the transaction
// closes, any attempt to use the Bucket produces undefined behavior.
type Bucket struct {
	*bucketHeader
	tx          *Tx
	buckets     map[string]*Bucket // subbucket cache
	page        *page              // inline page reference, if an inline bucket
	rootNode    *node              // materialized node for the root page
	nodes       map[pgid]*node     // node cache

	// FillPercent is set to DefaultFillPercent on every new Bucket. Node
	// splitting does not read it: a node is always split once its first
	// elements exceed three quarters of the page size.
	FillPercent float64
}

// newBucket returns a new bucket associated with a transaction.
func newBucket(tx *Tx) Bucket {
	var b = Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the transaction that created the Bucket.
func (b *Bucket) Tx() *Tx {
	return b.tx
}

// Root returns the root of the bucket's B+tree.
func (b *Bucket) Root() pgid {
	return b.root
}

// Writable reports whether the bucket is writable.
func (b *Bucket) Writable() bool {
	return b.tx.writable
}

// Cursor creates a cursor associated with the bucket. The cursor is only
// valid as long as the transaction is open.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b, stack: make([]elemRef, 0)}
}

// Bucket retrieves a nested bucket by name. Returns nil if the bucket
// does not exist. The bucket instance is only valid for the lifetime of
// the transaction.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)

	if !bytes.Equal(name, k) || (flags&bucketLeafFlag) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}

	return child
}

// openBucket reconstructs a bucket from an inline bucket-header value.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)

	if b.tx.writable {
		child.bucketHeader = &bucketHeader{}
		*child.bucketHeader = *(*bucketHeader)(unsafePointerOf(value))
	} else {
		child.bucketHeader = (*bucketHeader)(unsafePointerOf(value))
	}

	if child.root == 0 {
		child.page = (*page)(unsafePointerOf(value[bucketHeaderSize:]))
	}

	return &child
}

// CreateBucket creates a new bucket at the given key and returns it.
// Returns ErrBucketExists if the bucket already exists, ErrBucketNameRequired
// if the bucket name is blank, or ErrIncompatibleValue if the key
// already has a non-bucket value.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.Writable() {
		return nil, ErrTxNotWritable
	} else if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if bytes.Equal(name, k) {
		if (flags & bucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	bucket := newBucket(b.tx)
	bucket.bucketHeader = &bucketHeader{}
	bucket.rootNode = &node{isLeaf: true}
	bucket.rootNode.bucket = &bucket
	value := bucket.write()

	key := cloneBytes(name)
	c.node().put(key, key, value, 0, bucketLeafFlag)

	b.page = nil

	return b.Bucket(name), nil
}

// CreateBucketIfNotExists creates a bucket if it doesn't already exist
// and returns it.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes a bucket and every page reachable from it.
// Returns ErrBucketNotFound if the bucket does not exist, or
// ErrIncompatibleValue if the key represents a non-bucket value.
func (b *Bucket) DeleteBucket(name []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	} else if (flags & bucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(name)

	var nested [][]byte
	if err := child.ForEach(func(k, _ []byte) error {
		if child.Bucket(k) != nil {
			nested = append(nested, cloneBytes(k))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range nested {
		if err := child.DeleteBucket(k); err != nil {
			return err
		}
	}

	if err := child.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			b.tx.db.freelist.free(b.tx.meta.txid, p)
		} else {
			n.free()
		}
	}); err != nil {
		return err
	}

	delete(b.buckets, string(name))

	c.node().del(name)

	return nil
}

// Get retrieves the value for a key in the bucket. Returns nil if the
// key does not exist, or if the key is a nested bucket. The returned
// value is only valid for the life of the transaction and must not be
// modified.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)

	if (flags & bucketLeafFlag) != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for a key in the bucket. Returns ErrTxNotWritable if
// the bucket was created from a read-only transaction, ErrKeyRequired if
// the key is blank, or ErrIncompatibleValue if the key already holds a
// nested bucket.
func (b *Bucket) Put(key []byte, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > MaxKeySize {
		return ErrKeyRequired
	} else if int64(len(value)) > MaxValueSize {
		return ErrIncompatibleValue
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && (flags&bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)

	return nil
}

// Delete removes a key from the bucket. If the key does not exist then
// nothing happens. Returns ErrIncompatibleValue if the key represents a
// nested bucket.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)

	return nil
}

// Sequence returns the current integer for the bucket without
// incrementing it.
func (b *Bucket) Sequence() uint64 { return b.sequence }

// SetSequence updates the sequence number for the bucket.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.sequence = v
	return nil
}

// NextSequence returns an autoincrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.sequence++
	return b.sequence, nil
}

// ForEach executes fn for each key/value pair in the bucket, in byte
// order. If fn returns an error, iteration stops and the error is
// returned. The bucket must not be modified while iterating.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// pageNode returns either the node, or the page at the given pgid, but
// never both. For a top-level inline bucket with no materialized node
// it returns the inline page.
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	if b.root == 0 {
		if id != 0 {
			panic("inline bucket non-zero page access")
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n, ok := b.nodes[id]; ok {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// node creates a node from a page and associates it with a given parent.
func (b *Bucket) node(id pgid, parent *node) *node {
	_assert(b.nodes != nil, "node not allowed in read-only tx")

	if n := b.nodes[id]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	var p = b.page
	if p == nil {
		p = b.tx.page(id)
	}

	n.read(p)
	b.nodes[id] = n

	b.tx.stats.NodeCount++

	return n
}

// free recursively frees the bucket's pages to the freelist.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	tx := b.tx
	_ = b.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			tx.db.freelist.free(tx.meta.txid, p)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// dereference copies every key/value the bucket (or its sub-buckets)
// might be holding a reference into the mmap for, onto the heap.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}

	for _, child := range b.buckets {
		child.dereference()
	}
}

// inlineable reports whether the bucket can be stored inline inside its
// parent's leaf value: its root must be an unspilled leaf with no
// nested-bucket entries, serializing to no more than 1024 bytes and no
// more than a quarter of a page.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := pageHeaderSize
	for _, in := range n.inodes {
		size += leafPageElementSize + len(in.key) + len(in.value)

		if in.flags&bucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

// maxInlineBucketSize returns the maximum size an inline bucket can be.
func (b *Bucket) maxInlineBucketSize() int {
	size := b.tx.db.pageSize / 4
	if size > 1024 {
		size = 1024
	}
	return size
}

// write serializes the bucket's inline header, followed by its root
// page's payload if it has one, as the value to store under this
// bucket's name in its parent.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())

	bh := (*bucketHeader)(unsafePointerOf(value))
	*bh = *b.bucketHeader

	p := (*page)(unsafePointerOf(value[bucketHeaderSize:]))
	n.write(p)

	return value
}

// spill recursively spills every nested bucket, rewriting each parent
// entry as either an inline value or a bucket header pointing at the
// child's new root, then spills this bucket's own root.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			*(*bucketHeader)(unsafePointerOf(value)) = *child.bucketHeader
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic("misplaced bucket header: " + name)
		}
		if flags&bucketLeafFlag == 0 {
			panic("unexpected bucket header flag: " + name)
		}

		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic("pgid above high water mark")
	}

	b.root = b.rootNode.pgid

	return nil
}

// rebalance propagates rebalance to every in-memory node, then
// recursively to every nested bucket.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// pageNodeIterFn is called once per page (or dirty node) reachable from
// the bucket's root, in pre-order, along with its depth.
type pageNodeIterFn func(p *page, n *node, depth int)

// forEachPageNode walks every page or node reachable from the bucket's
// root and calls fn on each, recursing into branch children. A node is
// reported in place of a page wherever one has already been
// materialized, so in-memory-only (not yet spilled) structure is still
// visited.
func (b *Bucket) forEachPageNode(fn pageNodeIterFn) error {
	if b.root == 0 {
		return nil
	}
	b.walkPageNode(b.root, 0, fn)
	return nil
}

func (b *Bucket) walkPageNode(id pgid, depth int, fn pageNodeIterFn) {
	p, n := b.pageNode(id)

	fn(p, n, depth)

	if p != nil {
		if (p.flags & branchPageFlag) != 0 {
			for i := 0; i < int(p.count); i++ {
				elem := p.branchPageElement(uint16(i))
				b.walkPageNode(elem.pgid, depth+1, fn)
			}
		}
	} else if !n.isLeaf {
		for _, in := range n.inodes {
			b.walkPageNode(in.pgid, depth+1, fn)
		}
	}
}

// cloneBytes returns an independent copy of b, so keys stored in a node
// do not alias a caller-owned slice or a stale mmap view.
func cloneBytes(b []byte) []byte {
	var clone = make([]byte, len(b))
	copy(clone, b)
	return clone
}
