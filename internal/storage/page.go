// Package storage implements the page-level engine beneath the session
// layer: a copy-on-write B+tree over fixed-size pages, the free-page list,
// rotating meta pages and the per-transaction dirty page overlays.
package storage

import (
	"encoding/binary"
	"unsafe"
)

// Pgno is a page number within the data file.
type Pgno uint32

// InvalidPgno marks an absent page (for example the root of an empty tree).
const InvalidPgno Pgno = 0xFFFFFFFF

// Page size limits.
const (
	MinPageSize     = 256
	MaxPageSize     = 65536
	DefaultPageSize = 4096
)

// NumMetas is the number of rotating meta pages at the start of the file.
const NumMetas = 3

// HeaderSize is the size of the common page header.
//
//	Offset  Size  Field
//	0       4     pgno
//	4       2     flags
//	6       2     entry count
//	8       8     txnid of the writer
const HeaderSize = 16

// Page flags
const (
	PageBranch   uint16 = 0x01
	PageLeaf     uint16 = 0x02
	PageOverflow uint16 = 0x04
	PageMeta     uint16 = 0x08
	PageFreelist uint16 = 0x10
)

// MaxTreeDepth bounds cursor stacks; deeper trees are treated as corruption.
const MaxTreeDepth = 32

var le = binary.LittleEndian

func pagePgno(b []byte) Pgno    { return Pgno(le.Uint32(b[0:4])) }
func pageFlags(b []byte) uint16 { return le.Uint16(b[4:6]) }
func pageCount(b []byte) int    { return int(le.Uint16(b[6:8])) }
func pageTxnID(b []byte) uint64 { return le.Uint64(b[8:16]) }

func putHeader(b []byte, pg Pgno, flags uint16, count int, txnid uint64) {
	le.PutUint32(b[0:4], uint32(pg))
	le.PutUint16(b[4:6], flags)
	le.PutUint16(b[6:8], uint16(count))
	le.PutUint64(b[8:16], txnid)
}

// ValidPageSize reports whether ps is a power of two within limits.
func ValidPageSize(ps int) bool {
	return ps >= MinPageSize && ps <= MaxPageSize && ps&(ps-1) == 0
}

// maxEntry is the largest encoded entry a page accepts. Keeping entries at a
// quarter of the usable space guarantees any overfull node splits in two.
func maxEntry(ps int) int {
	return (ps - HeaderSize) / 4
}

// overflowPages returns the number of pages needed to hold n value bytes.
func overflowPages(ps, n int) int {
	return (HeaderSize + n + ps - 1) / ps
}

// MaxKeySize returns the largest key accepted by a tree.
func MaxKeySize(ps int, dupSort bool) int {
	if dupSort {
		return (maxEntry(ps) - branchEntryOverhead) / 2
	}
	return maxEntry(ps) - leafEntryOverhead - bigRefSize
}

// MaxValueSize returns the largest value accepted by a tree.
func MaxValueSize(ps int, dupSort bool) int {
	if dupSort {
		return (maxEntry(ps) - branchEntryOverhead) / 2
	}
	return maxValueBytes
}

// maxValueBytes caps single values stored in overflow pages.
const maxValueBytes = 1 << 30

// sliceWithin reports whether b lies inside buf.
func sliceWithin(buf, b []byte) bool {
	if len(buf) == 0 || len(b) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return p >= start && p+uintptr(len(b)) <= start+uintptr(len(buf))
}
