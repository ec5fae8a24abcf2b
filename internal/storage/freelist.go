package storage

import (
	"slices"
	"sort"
)

// Freelist tracks reusable pages in two stages:
//  1. pending: pages retired by transaction T stay referenced by snapshots
//     older than T and cannot be reused until every reader has moved past.
//  2. free: pages released from pending, available for allocation.
//
// Free ids are kept sorted so contiguous runs can be found for overflow
// values and trailing runs can be trimmed from the end of the file.
type Freelist struct {
	free    []Pgno
	pending map[uint64][]Pgno
}

// NewFreelist creates an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{pending: make(map[uint64][]Pgno)}
}

// Clone returns an independent copy.
func (f *Freelist) Clone() *Freelist {
	c := &Freelist{
		free:    slices.Clone(f.free),
		pending: make(map[uint64][]Pgno, len(f.pending)),
	}
	for txn, pgs := range f.pending {
		c.pending[txn] = slices.Clone(pgs)
	}
	return c
}

// FreeCount returns the number of immediately reusable pages.
func (f *Freelist) FreeCount() int { return len(f.free) }

// PendingCount returns the number of pages waiting for readers to move on.
func (f *Freelist) PendingCount() int {
	n := 0
	for _, pgs := range f.pending {
		n += len(pgs)
	}
	return n
}

// Allocate takes n contiguous free pages and returns the first of them.
func (f *Freelist) Allocate(n int) (Pgno, bool) {
	if len(f.free) < n || n <= 0 {
		return 0, false
	}
	if n == 1 {
		pg := f.free[0]
		f.free = f.free[1:]
		return pg, true
	}
	run := 1
	for i := 1; i < len(f.free); i++ {
		if f.free[i] == f.free[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run == n {
			start := i - n + 1
			pg := f.free[start]
			f.free = append(f.free[:start:start], f.free[i+1:]...)
			return pg, true
		}
	}
	return 0, false
}

// Free makes pages immediately reusable.
func (f *Freelist) Free(pgs ...Pgno) {
	if len(pgs) == 0 {
		return
	}
	f.free = append(f.free, pgs...)
	slices.Sort(f.free)
}

// Retire records pages that transaction txnid made unreachable.
func (f *Freelist) Retire(txnid uint64, pgs []Pgno) {
	if len(pgs) == 0 {
		return
	}
	f.pending[txnid] = append(f.pending[txnid], pgs...)
}

// Release moves to the free set every page retired by a transaction no
// newer than oldest, the oldest snapshot still pinned by a reader.
// Returns the number of pages released.
func (f *Freelist) Release(oldest uint64) int {
	released := 0
	for txn, pgs := range f.pending {
		if txn <= oldest {
			f.free = append(f.free, pgs...)
			released += len(pgs)
			delete(f.pending, txn)
		}
	}
	if released > 0 {
		slices.Sort(f.free)
	}
	return released
}

// Blocked returns how many pending pages are held back by readers at or
// before oldest, and the earliest transaction that retired them.
func (f *Freelist) Blocked(oldest uint64) (pages int, first uint64) {
	for txn, pgs := range f.pending {
		if txn > oldest {
			pages += len(pgs)
			if first == 0 || txn < first {
				first = txn
			}
		}
	}
	return pages, first
}

// TrimTail removes the free pages that form a contiguous run ending right
// before next and returns the lowered end of the allocated area.
func (f *Freelist) TrimTail(next Pgno) Pgno {
	for len(f.free) > 0 && f.free[len(f.free)-1] == next-1 {
		f.free = f.free[:len(f.free)-1]
		next--
	}
	return next
}

// encodedSize returns the byte size of Encode's output.
func (f *Freelist) encodedSize() int {
	sz := 8 + 4*len(f.free)
	for _, pgs := range f.pending {
		sz += 12 + 4*len(pgs)
	}
	return sz
}

// Empty reports whether the freelist tracks no pages at all.
func (f *Freelist) Empty() bool {
	return len(f.free) == 0 && len(f.pending) == 0
}

// Encode serializes the freelist:
//
//	free count u32 | pending group count u32 | free pgnos u32...
//	per group: txnid u64 | count u32 | pgnos u32...
func (f *Freelist) Encode(b []byte) int {
	le.PutUint32(b[0:], uint32(len(f.free)))
	le.PutUint32(b[4:], uint32(len(f.pending)))
	off := 8
	for _, pg := range f.free {
		le.PutUint32(b[off:], uint32(pg))
		off += 4
	}
	txns := make([]uint64, 0, len(f.pending))
	for txn := range f.pending {
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	for _, txn := range txns {
		pgs := f.pending[txn]
		le.PutUint64(b[off:], txn)
		le.PutUint32(b[off+8:], uint32(len(pgs)))
		off += 12
		for _, pg := range pgs {
			le.PutUint32(b[off:], uint32(pg))
			off += 4
		}
	}
	return off
}

// DecodeFreelist parses data written by Encode.
func DecodeFreelist(b []byte) (*Freelist, error) {
	f := NewFreelist()
	if len(b) < 8 {
		return nil, ErrCorrupted
	}
	nfree := int(le.Uint32(b[0:]))
	ngroups := int(le.Uint32(b[4:]))
	off := 8
	if off+4*nfree > len(b) {
		return nil, ErrCorrupted
	}
	f.free = make([]Pgno, nfree)
	for i := range f.free {
		f.free[i] = Pgno(le.Uint32(b[off:]))
		off += 4
	}
	for g := 0; g < ngroups; g++ {
		if off+12 > len(b) {
			return nil, ErrCorrupted
		}
		txn := le.Uint64(b[off:])
		n := int(le.Uint32(b[off+8:]))
		off += 12
		if off+4*n > len(b) {
			return nil, ErrCorrupted
		}
		pgs := make([]Pgno, n)
		for i := range pgs {
			pgs[i] = Pgno(le.Uint32(b[off:]))
			off += 4
		}
		f.pending[txn] = pgs
	}
	if !slices.IsSorted(f.free) {
		return nil, ErrCorrupted
	}
	return f, nil
}
