package spill

import (
	"errors"
	"fmt"
	"os"

	"github.com/Giulio2002/sdbx/mmap"
)

// DefaultSegmentPages is the number of page slots of one segment.
const DefaultSegmentPages = 4096

// MaxSegments bounds how far a buffer grows.
const MaxSegments = 64

// ErrFull is returned when every segment is in use and no more may be
// added.
var ErrFull = errors.New("spill: buffer full")

// Slot locates one page image in a buffer.
type Slot struct {
	Seg uint16
	Idx uint32
}

type segment struct {
	m    *mmap.Map
	f    *os.File
	used *Bitmap
}

// Buffer hands out page-sized slices backed by scratch files. Each segment
// file is unlinked as soon as it is mapped, so nothing is left behind when
// the process dies. A Buffer is owned by the single writer and is not safe
// for concurrent use.
type Buffer struct {
	path     string
	pageSize int
	segPages uint32
	segs     []*segment
	cur      int
	inUse    int
}

// New returns an empty buffer whose segment files are created next to path.
// No file is created until the first Alloc.
func New(path string, pageSize int, segPages uint32) *Buffer {
	if segPages == 0 {
		segPages = DefaultSegmentPages
	}
	return &Buffer{path: path, pageSize: pageSize, segPages: segPages}
}

func (b *Buffer) grow() error {
	if len(b.segs) >= MaxSegments {
		return ErrFull
	}
	name := fmt.Sprintf("%s.%d", b.path, len(b.segs))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	size := int64(b.segPages) * int64(b.pageSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	m, err := mmap.New(int(f.Fd()), 0, int(size), true)
	os.Remove(name)
	if err != nil {
		f.Close()
		return err
	}
	b.segs = append(b.segs, &segment{m: m, f: f, used: NewBitmap(b.segPages)})
	return nil
}

func (b *Buffer) page(s Slot) []byte {
	off := int(s.Idx) * b.pageSize
	return b.segs[s.Seg].m.Data()[off : off+b.pageSize : off+b.pageSize]
}

// Alloc returns a zeroed page slice and its slot.
func (b *Buffer) Alloc() ([]byte, Slot, error) {
	for {
		for ; b.cur < len(b.segs); b.cur++ {
			if idx, ok := b.segs[b.cur].used.Take(); ok {
				s := Slot{Seg: uint16(b.cur), Idx: idx}
				buf := b.page(s)
				clear(buf)
				b.inUse++
				return buf, s, nil
			}
		}
		if err := b.grow(); err != nil {
			return nil, Slot{}, err
		}
	}
}

// Get returns the page held by s, or nil if s is not in use.
func (b *Buffer) Get(s Slot) []byte {
	if int(s.Seg) >= len(b.segs) || !b.segs[s.Seg].used.Taken(s.Idx) {
		return nil
	}
	return b.page(s)
}

// Free releases s.
func (b *Buffer) Free(s Slot) {
	if int(s.Seg) >= len(b.segs) || !b.segs[s.Seg].used.Taken(s.Idx) {
		return
	}
	b.segs[s.Seg].used.Put(s.Idx)
	b.inUse--
	b.cur = min(b.cur, int(s.Seg))
}

// Reset releases every slot. Segments stay mapped for reuse; pages the
// kernel already wrote back are dropped.
func (b *Buffer) Reset() {
	for _, seg := range b.segs {
		if seg.used.Count() > 0 {
			_ = seg.m.AdviseDontNeed()
		}
		seg.used.Reset()
	}
	b.cur, b.inUse = 0, 0
}

// Contains reports whether p points into one of the segments.
func (b *Buffer) Contains(p []byte) bool {
	for _, seg := range b.segs {
		if seg.m.Contains(p) {
			return true
		}
	}
	return false
}

// InUse returns the number of slots handed out.
func (b *Buffer) InUse() int { return b.inUse }

// Capacity returns the number of slots of the mapped segments.
func (b *Buffer) Capacity() int { return len(b.segs) * int(b.segPages) }

// PageSize returns the slot size.
func (b *Buffer) PageSize() int { return b.pageSize }

// Close unmaps every segment.
func (b *Buffer) Close() error {
	var errs []error
	for _, seg := range b.segs {
		errs = append(errs, seg.m.Close(), seg.f.Close())
	}
	b.segs, b.cur, b.inUse = nil, 0, 0
	return errors.Join(errs...)
}
