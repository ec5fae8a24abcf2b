// Package mmap provides memory mapping of data and lock files.
package mmap

import "unsafe"

// Map represents a memory-mapped file region.
//
// The region may be larger than the file it maps: callers reserve address
// space up to the maximum file size once and only touch the prefix that
// exists on disk.
type Map struct {
	data     []byte // Mapped memory region
	size     int64  // Mapped length
	writable bool   // True if mapped with write permission
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped length.
func (m *Map) Size() int64 {
	return m.size
}

// Writable returns true if the mapping is writable.
func (m *Map) Writable() bool {
	return m.writable
}

// Contains reports whether b points into the mapped region.
func (m *Map) Contains(b []byte) bool {
	off, ok := m.Offset(b)
	return ok && off >= 0
}

// Offset returns the offset of the first byte of b inside the mapping.
func (m *Map) Offset(b []byte) (int64, bool) {
	if len(m.data) == 0 || len(b) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if p < base || p >= base+uintptr(len(m.data)) {
		return 0, false
	}
	return int64(p - base), true
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
