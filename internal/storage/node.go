package storage

import "sort"

// Entry flags stored with each leaf entry.
const (
	// EntryBig marks a value stored in overflow pages.
	EntryBig uint8 = 0x01
	// EntryTable marks a value holding a table descriptor (main tree only).
	EntryTable uint8 = 0x02
)

// Entry layouts.
//
// Leaf:   flags u8 | key len u16 | value len u32 | key | value (or overflow pgno u32)
// Branch: child u32 | key len u16 | value len u16 | key | separator value
const (
	leafEntryOverhead   = 7
	branchEntryOverhead = 8
	bigRefSize          = 4
)

// node is a decoded page. Decoded nodes are immutable: keys and values alias
// the page image they were decoded from, and mutations build a new node.
//
// Branch nodes keep one separator per child; separator 0 is unused. Child i
// holds the entries ordered at or after separator i and before separator i+1.
// For a big leaf value vals[i] is an 8-byte reference: pgno u32 | length u32.
type node struct {
	leaf   bool
	keys   [][]byte
	vals   [][]byte
	eflags []uint8
	kids   []Pgno
}

func (n *node) len() int { return len(n.keys) }

func (n *node) entrySize(i int) int {
	if !n.leaf {
		return branchEntryOverhead + len(n.keys[i]) + len(n.vals[i])
	}
	if n.eflags[i]&EntryBig != 0 {
		return leafEntryOverhead + len(n.keys[i]) + bigRefSize
	}
	return leafEntryOverhead + len(n.keys[i]) + len(n.vals[i])
}

// size returns the encoded size of the node including the page header.
func (n *node) size() int {
	sz := HeaderSize
	for i := range n.keys {
		sz += n.entrySize(i)
	}
	return sz
}

// clone returns a shallow copy whose slices can be edited independently.
func (n *node) clone() *node {
	c := &node{leaf: n.leaf}
	c.keys = append(make([][]byte, 0, len(n.keys)+1), n.keys...)
	c.vals = append(make([][]byte, 0, len(n.vals)+1), n.vals...)
	if n.leaf {
		c.eflags = append(make([]uint8, 0, len(n.eflags)+1), n.eflags...)
	} else {
		c.kids = append(make([]Pgno, 0, len(n.kids)+1), n.kids...)
	}
	return c
}

func (n *node) insertLeaf(i int, key, val []byte, flags uint8) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.vals = append(n.vals, nil)
	copy(n.vals[i+1:], n.vals[i:])
	n.vals[i] = val
	n.eflags = append(n.eflags, 0)
	copy(n.eflags[i+1:], n.eflags[i:])
	n.eflags[i] = flags
}

func (n *node) insertBranch(i int, key, val []byte, child Pgno) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.vals = append(n.vals, nil)
	copy(n.vals[i+1:], n.vals[i:])
	n.vals[i] = val
	n.kids = append(n.kids, 0)
	copy(n.kids[i+1:], n.kids[i:])
	n.kids[i] = child
}

func (n *node) remove(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.vals = append(n.vals[:i], n.vals[i+1:]...)
	if n.leaf {
		n.eflags = append(n.eflags[:i], n.eflags[i+1:]...)
		return
	}
	n.kids = append(n.kids[:i], n.kids[i+1:]...)
	if i == 0 && len(n.keys) > 0 {
		n.keys[0], n.vals[0] = nil, nil
	}
}

// splitIndex returns the first entry of the right half when splitting an
// overfull node roughly in half by encoded size.
func (n *node) splitIndex() int {
	total := 0
	for i := range n.keys {
		total += n.entrySize(i)
	}
	acc := 0
	for i := range n.keys {
		acc += n.entrySize(i)
		if acc >= total/2 {
			idx := i + 1
			if idx >= len(n.keys) {
				idx = len(n.keys) - 1
			}
			if idx < 1 {
				idx = 1
			}
			return idx
		}
	}
	return len(n.keys) / 2
}

// split divides the node at idx into two new nodes.
func (n *node) split(idx int) (*node, *node) {
	left := &node{leaf: n.leaf}
	right := &node{leaf: n.leaf}
	left.keys = append([][]byte(nil), n.keys[:idx]...)
	left.vals = append([][]byte(nil), n.vals[:idx]...)
	right.keys = append([][]byte(nil), n.keys[idx:]...)
	right.vals = append([][]byte(nil), n.vals[idx:]...)
	if n.leaf {
		left.eflags = append([]uint8(nil), n.eflags[:idx]...)
		right.eflags = append([]uint8(nil), n.eflags[idx:]...)
	} else {
		left.kids = append([]Pgno(nil), n.kids[:idx]...)
		right.kids = append([]Pgno(nil), n.kids[idx:]...)
	}
	return left, right
}

// merge appends right to left. For branches sepKey/sepVal become the lower
// bound of right's first child.
func merge(left, right *node, sepKey, sepVal []byte) *node {
	m := left.clone()
	if m.leaf {
		m.keys = append(m.keys, right.keys...)
		m.vals = append(m.vals, right.vals...)
		m.eflags = append(m.eflags, right.eflags...)
		return m
	}
	m.keys = append(m.keys, sepKey)
	m.vals = append(m.vals, sepVal)
	m.kids = append(m.kids, right.kids[0])
	m.keys = append(m.keys, right.keys[1:]...)
	m.vals = append(m.vals, right.vals[1:]...)
	m.kids = append(m.kids, right.kids[1:]...)
	return m
}

// search returns the first leaf index whose entry is not before the target,
// or for a branch the child that may contain it.
func (n *node) search(before func(k, v []byte) bool) int {
	if n.leaf {
		return sort.Search(len(n.keys), func(i int) bool {
			return !before(n.keys[i], n.vals[i])
		})
	}
	// Separators 1..len-1; child j is the last one whose separator precedes
	// the target. A separator equal to the target sends the search left:
	// a key-only predicate cannot tell a dup-sort separator (k, v) from
	// (k, smaller v) stored in the left child, and seekPos steps over an
	// exhausted leaf.
	return sort.Search(len(n.keys)-1, func(j int) bool {
		return !before(n.keys[j+1], n.vals[j+1])
	})
}

// encode serializes the node into buf, which must hold a full page.
func (n *node) encode(buf []byte, pg Pgno, txnid uint64) {
	flags := PageBranch
	if n.leaf {
		flags = PageLeaf
	}
	putHeader(buf, pg, flags, len(n.keys), txnid)
	off := HeaderSize
	for i := range n.keys {
		k, v := n.keys[i], n.vals[i]
		if n.leaf {
			buf[off] = n.eflags[i]
			le.PutUint16(buf[off+1:], uint16(len(k)))
			if n.eflags[i]&EntryBig != 0 {
				le.PutUint32(buf[off+3:], le.Uint32(v[4:8]))
				off += leafEntryOverhead
				off += copy(buf[off:], k)
				off += copy(buf[off:], v[:bigRefSize])
				continue
			}
			le.PutUint32(buf[off+3:], uint32(len(v)))
			off += leafEntryOverhead
		} else {
			le.PutUint32(buf[off:], uint32(n.kids[i]))
			le.PutUint16(buf[off+4:], uint16(len(k)))
			le.PutUint16(buf[off+6:], uint16(len(v)))
			off += branchEntryOverhead
		}
		off += copy(buf[off:], k)
		off += copy(buf[off:], v)
	}
	clear(buf[off:])
}

// decodeNode parses a branch or leaf page. The result aliases b.
func decodeNode(b []byte, pg Pgno) (*node, error) {
	if len(b) < HeaderSize || pagePgno(b) != pg {
		return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
	}
	flags := pageFlags(b)
	count := pageCount(b)
	n := &node{leaf: flags&PageLeaf != 0}
	if flags&(PageLeaf|PageBranch) == 0 || flags&PageLeaf != 0 && flags&PageBranch != 0 {
		return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
	}
	n.keys = make([][]byte, count)
	n.vals = make([][]byte, count)
	if n.leaf {
		n.eflags = make([]uint8, count)
	} else {
		n.kids = make([]Pgno, count)
	}

	off := HeaderSize
	for i := 0; i < count; i++ {
		if n.leaf {
			if off+leafEntryOverhead > len(b) {
				return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
			}
			ef := b[off]
			klen := int(le.Uint16(b[off+1:]))
			vlen := int(le.Uint32(b[off+3:]))
			off += leafEntryOverhead
			dlen := vlen
			if ef&EntryBig != 0 {
				dlen = bigRefSize
			}
			if off+klen+dlen > len(b) {
				return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
			}
			n.eflags[i] = ef
			n.keys[i] = b[off : off+klen : off+klen]
			off += klen
			if ef&EntryBig != 0 {
				ref := make([]byte, 8)
				copy(ref, b[off:off+bigRefSize])
				le.PutUint32(ref[4:], uint32(vlen))
				n.vals[i] = ref
			} else {
				n.vals[i] = b[off : off+dlen : off+dlen]
			}
			off += dlen
			continue
		}
		if off+branchEntryOverhead > len(b) {
			return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
		}
		n.kids[i] = Pgno(le.Uint32(b[off:]))
		klen := int(le.Uint16(b[off+4:]))
		vlen := int(le.Uint16(b[off+6:]))
		off += branchEntryOverhead
		if off+klen+vlen > len(b) {
			return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
		}
		n.keys[i] = b[off : off+klen : off+klen]
		off += klen
		n.vals[i] = b[off : off+vlen : off+vlen]
		off += vlen
	}
	if !n.leaf && count == 0 {
		return nil, &Error{Op: "decode", Pgno: pg, Err: ErrCorrupted}
	}
	return n, nil
}

// bigRef builds the in-memory reference for a value stored in overflow pages.
func bigRef(pg Pgno, length int) []byte {
	ref := make([]byte, 8)
	le.PutUint32(ref[0:4], uint32(pg))
	le.PutUint32(ref[4:8], uint32(length))
	return ref
}

func parseBigRef(ref []byte) (Pgno, int) {
	return Pgno(le.Uint32(ref[0:4])), int(le.Uint32(ref[4:8]))
}
