package bolt

import "unsafe"

// unsafePointerOf returns a pointer to the first byte of b. It is used to
// reinterpret a []byte slice backing a page or bucket header as the
// corresponding struct, without copying.
func unsafePointerOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// unsafePointerOfPage returns a pointer to the page header itself, used
// to view an allocated page's full byte range (header + payload) when
// flushing it to disk.
func unsafePointerOfPage(p *page) unsafe.Pointer {
	return unsafe.Pointer(p)
}
