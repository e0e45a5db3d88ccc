//go:build windows

package bolt

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// flock obtains a lock on the database file via LockFileEx, exclusive or
// shared as requested, retrying until acquired or timeout elapses (0
// means block forever).
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}

	var flags uint32 = windows.LOCKFILE_FAIL_IMMEDIATELY
	if exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	handle := windows.Handle(db.file.Fd())
	var overlapped windows.Overlapped

	for {
		err := windows.LockFileEx(handle, flags, 0, 1, 0, &overlapped)
		if err == nil {
			return nil
		}

		if timeout != 0 && time.Since(t) > timeout {
			return ErrTimeout
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock on the database file.
func funlock(db *DB) error {
	handle := windows.Handle(db.file.Fd())
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(handle, 0, 1, 0, &overlapped)
}

// fdatasync flushes a file's in-core data to the backing device via
// FlushFileBuffers.
func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}
