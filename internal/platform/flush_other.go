//go:build unix && !linux

package platform

import "golang.org/x/sys/unix"

// Flush writes the file's dirty pages back. A durable flush waits for the
// data to reach stable storage; otherwise it is a no-op.
func (f *File) Flush(durable bool) error {
	if !durable {
		return nil
	}
	if err := unix.Fsync(f.Fd()); err != nil {
		return &Error{Op: "fsync", Err: err}
	}
	return nil
}

// Gettid returns 0: thread ids are not exposed on this platform.
func Gettid() uint64 { return 0 }

// ThreadIDs reports whether Gettid returns real thread ids.
const ThreadIDs = false
