package bolt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFreelistAllocateContiguousRun(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 6, 7, 9, 12, 13, 18}
	for _, id := range f.ids {
		f.cache[id] = struct{}{}
	}

	assert.Equal(t, pgid(3), f.allocate(2))
	assert.Equal(t, []pgid{5, 6, 7, 9, 12, 13, 18}, f.ids)
	assert.Equal(t, pgid(5), f.allocate(3))
	assert.Equal(t, []pgid{9, 12, 13, 18}, f.ids)
	assert.Equal(t, pgid(0), f.allocate(3))
	assert.Equal(t, pgid(12), f.allocate(2))
	assert.Equal(t, []pgid{9, 18}, f.ids)
}

func TestFreelistFreeRejectsDoubleFree(t *testing.T) {
	f := newFreelist()
	var buf [4096]byte
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.id = 12

	f.free(100, p)
	assert.Panics(t, func() { f.free(100, p) })
}

func TestFreelistFreeRejectsReservedPage(t *testing.T) {
	f := newFreelist()
	var buf [4096]byte
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.id = 1

	assert.Panics(t, func() { f.free(100, p) })
}

func TestFreelistReleasePromotesOlderPending(t *testing.T) {
	f := newFreelist()
	var buf [4096]byte

	p1 := (*page)(unsafe.Pointer(&buf[0]))
	p1.id = 10
	f.free(1, p1)

	p2 := (*page)(unsafe.Pointer(&buf[0]))
	p2.id = 11
	f.free(2, p2)

	f.release(1)
	assert.Equal(t, []pgid{10}, f.ids)
	assert.Equal(t, 1, f.pendingCount())

	f.release(2)
	assert.ElementsMatch(t, []pgid{10, 11}, f.ids)
	assert.Equal(t, 0, f.pendingCount())
}

func TestFreelistRollbackUndoesAllocations(t *testing.T) {
	f := newFreelist()
	f.allocateNew(42)
	f.allocateNew(43)

	var buf [4096]byte
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.id = 99
	f.free(7, p)

	f.rollback(7)

	assert.Equal(t, 0, f.pendingCount())
	assert.ElementsMatch(t, []pgid{42, 43}, f.ids)
	assert.False(t, f.isFree(99))
	assert.True(t, f.isFree(42))
}

func TestFreelistWriteReadRoundTrip(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{4, 5, 9}

	var freedBuf [4096]byte
	q := (*page)(unsafe.Pointer(&freedBuf[0]))
	q.id = 50
	f.free(3, q)

	var buf [4096]byte
	p := (*page)(unsafe.Pointer(&buf[0]))
	f.write(p)

	f2 := newFreelist()
	f2.read(p)

	assert.ElementsMatch(t, []pgid{4, 5, 9, 50}, f2.ids)
}
