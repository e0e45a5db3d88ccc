package bolt

import (
	"bytes"
	"fmt"
	"sort"
	"unsafe"
)

// node is the mutable, in-memory image of a branch or leaf page. Nodes
// form a tree via parent/children pointers that mirror the on-disk
// branch structure but are only materialized for pages a write
// transaction actually touches.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte // cached first key, used to find this node in its parent
	pgid       pgid   // 0 until this node has been spilled to a page
	parent     *node
	children   nodes
	inodes     inodes
}

// root returns the top-level ancestor of this node.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the minimum number of inodes this node should hold
// before it is considered underfull.
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the size of the node once serialized to a page.
func (n *node) size() int {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
	}
	return sz
}

// pageElementSize returns the size of a single serialized element for
// this node's kind.
func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

var leafPageElementSize = int(unsafe.Sizeof(leafPageElement{}))
var branchPageElementSize = int(unsafe.Sizeof(branchPageElement{}))

// childAt returns the child node at a given index. The node is
// materialized (and cached) on first access.
func (n *node) childAt(index int) *node {
	_assert(!n.isLeaf, "invalid childAt(%d) on a leaf node", index)
	return n.bucket.node(n.inodes[index].pgid, n)
}

// childIndex returns the index of a given child node within this node's
// inodes, found by the child's cached first key.
func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
}

// numChildren returns the number of inodes (and so, for a branch, the
// number of children).
func (n *node) numChildren() int {
	return len(n.inodes)
}

// nextSibling returns the node immediately to the right sharing the same
// parent, or nil if this is the rightmost child.
func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

// prevSibling returns the node immediately to the left sharing the same
// parent, or nil if this is the leftmost child.
func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or replaces an inode. oldKey locates an existing entry (by
// binary search); newKey, value, pgid, and flags become its new
// contents. oldKey and newKey may differ: a split promotes a new first
// key for a node whose prior first key is used to locate it in the
// parent.
func (n *node) put(oldKey, newKey, value []byte, pgid pgid, flags uint32) {
	if len(oldKey) == 0 {
		panic("put: zero-length old key")
	} else if len(newKey) == 0 {
		panic("put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	exact := len(n.inodes) > 0 && index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	in := &n.inodes[index]
	in.flags = flags
	in.key = newKey
	in.value = value
	in.pgid = pgid
	_assert(len(in.key) > 0, "put: zero-length inode key")
}

// del removes the inode with the given key, if present, and marks the
// node unbalanced so it is checked on the next rebalance pass.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})

	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}

	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read populates the node from a page.
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = (p.flags & leafPageFlag) != 0
	n.inodes = make(inodes, int(p.count))

	for i := 0; i < int(p.count); i++ {
		in := &n.inodes[i]
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			in.flags = elem.flags
			in.key = elem.key()
			in.value = elem.value()
		} else {
			elem := p.branchPageElement(uint16(i))
			in.pgid = elem.pgid
			in.key = elem.key()
		}
		_assert(len(in.key) > 0, "read: zero-length inode key")
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes the node to p.
func (n *node) write(p *page) {
	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}

	if len(n.inodes) >= 0xFFFF {
		panic(fmt.Sprintf("inode overflow: %d (pgid=%d)", len(n.inodes), p.id))
	}
	p.count = uint16(len(n.inodes))

	if p.count == 0 {
		return
	}

	b := (*[maxAllocSize]byte)(unsafe.Pointer(uintptr(p.dataPtr()) + uintptr(n.pageElementSize()*len(n.inodes))))[:]

	for i, item := range n.inodes {
		_assert(len(item.key) > 0, "write: zero-length inode key")

		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.flags = item.flags
			elem.ksize = uint32(len(item.key))
			elem.vsize = uint32(len(item.value))
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.ksize = uint32(len(item.key))
			elem.pgid = item.pgid
			_assert(elem.pgid != p.id, "write: circular reference on %d", p.id)
		}

		klen, vlen := len(item.key), len(item.value)
		copy(b[0:], item.key)
		b = b[klen:]
		copy(b[0:], item.value)
		b = b[vlen:]
	}
}

// split breaks the node up into a chain of sibling nodes, if its
// serialized size exceeds the page size. Only called from spill.
func (n *node) split(pageSize int) []*node {
	var out []*node

	current := n
	for {
		a, b := current.splitTwo(pageSize)
		out = append(out, a)
		if b == nil {
			break
		}
		current = b
	}

	return out
}

// splitTwo splits n into itself (mutated in place) and a new right
// sibling, returning (self, nil) when no split is needed.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) <= 2 || n.size() < pageSize {
		return n, nil
	}

	threshold := pageSize * 3 / 4
	splitIndex := n.splitIndex(threshold)

	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, children: []*node{n}}
	}

	next := &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
	n.parent.children = append(n.parent.children, next)

	next.inodes = n.inodes[splitIndex:]
	n.inodes = n.inodes[:splitIndex]

	n.bucket.tx.stats.Split++

	return n, next
}

// splitIndex returns the smallest index i >= 2 at which the cumulative
// serialized size of inodes[:i+1], page header included, exceeds
// threshold.
func (n *node) splitIndex(threshold int) int {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for i, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
		if i >= 2 && sz > threshold {
			return i
		}
	}
	return len(n.inodes)
}

// spill writes dirty nodes rooted at n to newly allocated pages,
// splitting as needed. Children are spilled first (post-order) so a
// child split can propagate a new separator up before the parent is
// written.
func (n *node) spill() error {
	if n.spilled {
		return nil
	}

	tx := n.bucket.tx

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	nodes := n.split(tx.db.pageSize)
	for _, node := range nodes {
		if node.pgid > 0 {
			tx.db.freelist.free(tx.id(), tx.page(node.pgid))
			node.pgid = 0
		}

		p, err := tx.allocate((node.size() + tx.db.pageSize - 1) / tx.db.pageSize)
		if err != nil {
			return err
		}

		node.pgid = p.id
		node.write(p)
		node.spilled = true

		if node.parent != nil {
			key := node.key
			if key == nil {
				key = node.inodes[0].key
			}

			node.parent.put(key, node.inodes[0].key, nil, node.pgid, 0)
			node.key = node.inodes[0].key
			_assert(len(node.key) > 0, "spill: zero-length node key")
		}

		tx.stats.Spill++
	}

	if n.parent != nil && n.parent.pgid == 0 {
		n.children = nil
		return n.parent.spill()
	}

	return nil
}

// rebalance merges or collapses n if it has become underfull, then
// propagates up through the parent. Unlike a model that simply drops an
// underfull non-root node's entries, a near-sibling merge is performed
// here so live data is never lost.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	n.bucket.tx.stats.Rebalance++

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		if len(n.inodes) == 0 {
			n.isLeaf = true
			return
		}

		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			for _, in := range n.inodes {
				if c, ok := n.bucket.nodes[in.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}

		return
	}

	if n.numChildren() == 0 {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	_assert(n.parent.numChildren() > 1, "parent must have at least 2 children")

	var target *node
	useNextSibling := n.parent.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}

	if useNextSibling {
		for _, in := range target.inodes {
			if child, ok := n.bucket.nodes[in.pgid]; ok {
				child.parent.removeChild(child)
				child.parent = n
				child.parent.children = append(child.parent.children, child)
			}
		}

		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		for _, in := range n.inodes {
			if child, ok := n.bucket.nodes[in.pgid]; ok {
				child.parent.removeChild(child)
				child.parent = target
				child.parent.children = append(child.parent.children, child)
			}
		}

		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	n.parent.rebalance()
}

// removeChild removes target from the in-memory children slice. It does
// not touch inodes.
func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies every byte slice this node holds that might point
// into the mmap region onto the heap, so the node survives a remap.
func (n *node) dereference() {
	n.bucket.tx.stats.NodeDeref++

	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
	}

	for i := range n.inodes {
		in := &n.inodes[i]

		key := make([]byte, len(in.key))
		copy(key, in.key)
		in.key = key

		value := make([]byte, len(in.value))
		copy(value, in.value)
		in.value = value
	}

	for _, child := range n.children {
		child.dereference()
	}
}

// free releases the node's page, if it has one, to the freelist.
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.db.freelist.free(n.bucket.tx.id(), n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}

// inode represents an element inside a node: a key plus either a value
// (leaf) or a child pgid (branch).
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// nodes is a slice of node pointers, sorted by first key so spill
// processes children in a stable, deterministic order.
type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1
}
