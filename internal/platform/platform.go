// Package platform implements the file, mapping and locking primitives the
// storage engine and the session layer are built on.
package platform

import (
	"errors"
	"os"

	"github.com/Giulio2002/sdbx/mmap"
)

// LockMode selects a shared or exclusive advisory file lock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// ErrWouldBlock is returned by a non-blocking lock attempt that conflicts
// with a lock held through another open file description.
var ErrWouldBlock = errors.New("platform: lock would block")

// IO is the set of operations the storage engine needs from a data file.
type IO interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Size() (int64, error)
	Resize(size int64) error
	Flush(durable bool) error
	Map(size int64) (*mmap.Map, error)
	Remap(old *mmap.Map, size int64) (*mmap.Map, error)
	Lock(mode LockMode, try bool) error
	Unlock() error
	Close() error
}

var _ IO = (*File)(nil)

// File is an open data or lock file.
type File struct {
	f        *os.File
	path     string
	readOnly bool
}

// Open opens path, creating it with perm when create is set.
func Open(path string, readOnly, create bool, perm os.FileMode) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	} else if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &File{f: f, path: path, readOnly: readOnly}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Fd returns the underlying descriptor.
func (f *File) Fd() int { return int(f.f.Fd()) }

// ReadOnly reports whether the file was opened without write access.
func (f *File) ReadOnly() bool { return f.readOnly }

func (f *File) ReadAt(b []byte, off int64) (int, error) {
	return f.f.ReadAt(b, off)
}

func (f *File) WriteAt(b []byte, off int64) (int, error) {
	return f.f.WriteAt(b, off)
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Resize grows or truncates the file to size bytes.
func (f *File) Resize(size int64) error {
	return f.f.Truncate(size)
}

// Map maps size bytes of the file read-only. size may exceed the file size.
func (f *File) Map(size int64) (*mmap.Map, error) {
	m, err := mmap.New(f.Fd(), 0, int(size), false)
	if err != nil {
		return nil, err
	}
	_ = m.AdviseRandom()
	return m, nil
}

// MapWritable maps size bytes of the file for reading and writing.
func (f *File) MapWritable(size int64) (*mmap.Map, error) {
	return mmap.New(f.Fd(), 0, int(size), true)
}

// Remap returns a new mapping of size bytes. The old mapping stays valid;
// the caller releases it once nothing references it.
func (f *File) Remap(old *mmap.Map, size int64) (*mmap.Map, error) {
	if old != nil && old.Size() == size {
		return old, nil
	}
	return f.Map(size)
}

// Close closes the file, releasing any lock held through it.
func (f *File) Close() error {
	return f.f.Close()
}
