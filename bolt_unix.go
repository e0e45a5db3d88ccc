//go:build !windows

package bolt

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flock obtains an advisory lock on the database file, exclusive or
// shared as requested, retrying until acquired or timeout elapses (0
// means block forever).
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	for {
		err := unix.Flock(int(db.file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		if timeout != 0 && time.Since(t) > timeout {
			return ErrTimeout
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock on the database file.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// fdatasync flushes a file's in-core data to the backing device.
func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fsync(int(file.Fd()))
}
