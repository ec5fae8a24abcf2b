//go:build linux

package platform

import "golang.org/x/sys/unix"

// Flush writes the file's dirty pages back. A durable flush waits for the
// data to reach stable storage; otherwise writeback is only started.
func (f *File) Flush(durable bool) error {
	if durable {
		if err := unix.Fdatasync(f.Fd()); err != nil {
			return &Error{Op: "fdatasync", Err: err}
		}
		return nil
	}
	if err := unix.SyncFileRange(f.Fd(), 0, 0, unix.SYNC_FILE_RANGE_WRITE); err != nil {
		return &Error{Op: "sync_file_range", Err: err}
	}
	return nil
}

// Gettid returns the id of the calling OS thread.
func Gettid() uint64 {
	return uint64(unix.Gettid())
}

// ThreadIDs reports whether Gettid returns real thread ids.
const ThreadIDs = true
