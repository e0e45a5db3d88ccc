package bolt

import (
	"bytes"
	"sort"
)

// Cursor represents an iterator that can traverse over all key/value
// pairs in a bucket in sorted order. Cursors see nested buckets with
// their value returned as nil; use Bucket.Bucket() to access them.
//
// Cursors can be obtained from a transaction and are valid as long as
// the transaction is open.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef represents the current position of a cursor at a given depth.
// A leaf page and a materialized leaf node are never both non-nil.
type elemRef struct {
	page  *page
	node  *node
	index int
}

// isLeaf returns whether the ref is pointing at a leaf page or node.
func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return (r.page.flags & leafPageFlag) != 0
}

// count returns the number of inodes or page elements.
func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}

// Bucket returns the bucket that this cursor was created from.
func (c *Cursor) Bucket() *Bucket {
	return c.bucket
}

// First moves the cursor to the first item in the bucket and returns its
// key and value. If the bucket is empty then a nil key and value are
// returned. The returned key and value are only valid for the life of
// the transaction.
func (c *Cursor) First() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.first()

	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
	}

	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Last moves the cursor to the last item in the bucket and returns its
// key and value. If the bucket is empty then a nil key and value are
// returned.
func (c *Cursor) Last() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()

	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Next moves the cursor to the next item in the bucket and returns its
// key and value. If the cursor is at the end of the bucket then a nil
// key and value are returned.
func (c *Cursor) Next() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	k, v, flags := c.next()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous item in the bucket and returns
// its key and value. If the cursor is at the beginning of the bucket
// then a nil key and value are returned.
func (c *Cursor) Prev() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek moves the cursor to a given key using a b-tree search and returns
// it. If the key does not exist then the next key is used. If no keys
// follow, a nil key is returned.
func (c *Cursor) Seek(seek []byte) (key []byte, value []byte) {
	k, v, flags := c.seek(seek)

	if ref := &c.stack[len(c.stack)-1]; ref.index >= ref.count() {
		k, v, flags = c.next()
	}

	if k == nil {
		return nil, nil
	} else if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the current key/value under the cursor from the
// bucket. Delete fails if the current key/value is a nested bucket.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)

	return nil
}

// seek moves the cursor to a given key and returns it. If the key does
// not exist, the cursor is left positioned at the next key (or past the
// end of the bucket). The returned flags report whether the located
// entry is a nested bucket.
func (c *Cursor) seek(seek []byte) (key []byte, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)
	ref := c.stack[len(c.stack)-1]

	if ref.index >= ref.count() {
		return nil, nil, 0
	}

	return c.keyValue()
}

// first moves the cursor down the left spine of the tree from the
// current top-of-stack page/node to the first leaf element.
func (c *Cursor) first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(pgid)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

// last moves the cursor down the right spine of the tree from the
// current top-of-stack page/node to the last leaf element.
func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(pgid)

		var ref2 = elemRef{page: p, node: n}
		ref2.index = ref2.count() - 1
		c.stack = append(c.stack, ref2)
	}
}

// next moves to the next leaf element, walking back up the stack and
// down the next branch as needed, and returns its key, value, and flags.
func (c *Cursor) next() (key []byte, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c.first()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// search recursively descends from id, pushing a stack frame at each
// level, to locate the leaf frame that would hold key.
func (c *Cursor) search(key []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.nsearch(key)
		return
	}

	if n != nil {
		c.searchNode(key, n)
		return
	}
	c.searchPage(key, p)
}

func (c *Cursor) searchNode(key []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		ret := bytes.Compare(n.inodes[i].key, key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(key []byte, p *page) {
	inodes := p.branchPageElements()

	var exact bool
	index := sort.Search(int(p.count), func(i int) bool {
		ret := bytes.Compare(inodes[i].key(), key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, inodes[index].pgid)
}

// nsearch searches the current (leaf) top-of-stack for the index of key.
func (c *Cursor) nsearch(key []byte) {
	ref := &c.stack[len(c.stack)-1]

	if ref.node != nil {
		index := sort.Search(len(ref.node.inodes), func(i int) bool {
			return bytes.Compare(ref.node.inodes[i].key, key) != -1
		})
		ref.index = index
		return
	}

	inodes := ref.page.leafPageElements()
	index := sort.Search(int(ref.page.count), func(i int) bool {
		return bytes.Compare(inodes[i].key(), key) != -1
	})
	ref.index = index
}

// keyValue returns the key, value, and flags of the leaf element the
// cursor currently sits on.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		in := &ref.node.inodes[ref.index]
		return in.key, in.value, in.flags
	}

	elem := ref.page.leafPageElement(uint16(ref.index))
	return elem.key(), elem.value(), elem.flags
}

// node returns the materialized, writable leaf node that the cursor is
// currently positioned on, walking down from the bucket's root and
// materializing any branch nodes along the way.
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	var n = c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(ref.index)
	}
	_assert(n.isLeaf, "expected leaf node")
	return n
}
