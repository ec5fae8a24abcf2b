//go:build unix

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Lock takes an advisory flock on the file. With try set, a conflicting
// lock makes it fail with ErrWouldBlock instead of waiting.
func (f *File) Lock(mode LockMode, try bool) error {
	how := unix.LOCK_SH
	if mode == LockExclusive {
		how = unix.LOCK_EX
	}
	if try {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(f.Fd(), how)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrWouldBlock
		default:
			return &Error{Op: "flock " + mode.String(), Err: err}
		}
	}
}

// Unlock releases the flock held through this file.
func (f *File) Unlock() error {
	if err := unix.Flock(f.Fd(), unix.LOCK_UN); err != nil {
		return &Error{Op: "flock unlock", Err: err}
	}
	return nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
