// Package spill keeps page images of a large write transaction in a
// memory-mapped scratch file instead of the Go heap.
package spill

import "math/bits"

// Bitmap tracks which slots of a segment are taken.
type Bitmap struct {
	words []uint64
	n     uint32
	// hint is the lowest slot that may be free.
	hint uint32
}

// NewBitmap returns a bitmap of n free slots.
func NewBitmap(n uint32) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// Take marks the lowest free slot at or after the hint as taken.
func (b *Bitmap) Take() (uint32, bool) {
	for w := b.hint / 64; w < uint32(len(b.words)); w++ {
		free := ^b.words[w]
		if free == 0 {
			continue
		}
		slot := w*64 + uint32(bits.TrailingZeros64(free))
		if slot >= b.n {
			break
		}
		b.words[w] |= 1 << (slot % 64)
		b.hint = slot + 1
		return slot, true
	}
	return 0, false
}

// Put frees a slot.
func (b *Bitmap) Put(slot uint32) {
	if slot >= b.n {
		return
	}
	b.words[slot/64] &^= 1 << (slot % 64)
	b.hint = min(b.hint, slot)
}

// Taken reports whether slot is in use.
func (b *Bitmap) Taken(slot uint32) bool {
	return slot < b.n && b.words[slot/64]&(1<<(slot%64)) != 0
}

// Reset frees every slot.
func (b *Bitmap) Reset() {
	clear(b.words)
	b.hint = 0
}

// Count returns the number of slots in use.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Len returns the number of slots.
func (b *Bitmap) Len() uint32 { return b.n }
