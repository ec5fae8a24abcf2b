package storage

// CmpFunc orders two byte strings.
type CmpFunc func(a, b []byte) int

// Ordering describes how entries of a tree are sorted. In a dup-sort tree
// each (key, value) pair is one entry ordered by Key then by Dup.
type Ordering struct {
	Key     CmpFunc
	Dup     CmpFunc
	DupSort bool
}

func (o *Ordering) compare(k1, v1, k2, v2 []byte) int {
	if c := o.Key(k1, k2); c != 0 || !o.DupSort {
		return c
	}
	return o.Dup(v1, v2)
}

// TreeSize is the encoded size of a Tree descriptor.
const TreeSize = 48

// Tree is the persisted descriptor of one B+tree.
//
//	Offset  Size  Field
//	0       2     flags
//	2       2     height
//	4       4     dupfix size
//	8       4     root
//	12      4     branch pages
//	16      4     leaf pages
//	20      4     overflow pages
//	24      8     sequence
//	32      8     items
//	40      8     txnid of last modification
type Tree struct {
	Flags         uint16
	Height        uint16
	DupFixSize    uint32
	Root          Pgno
	BranchPages   uint32
	LeafPages     uint32
	OverflowPages uint32
	Sequence      uint64
	Items         uint64
	ModTxnID      uint64
}

// EmptyTree returns the descriptor of a tree without pages.
func EmptyTree(flags uint16) Tree {
	return Tree{Flags: flags, Root: InvalidPgno}
}

// Empty reports whether the tree has no entries.
func (t *Tree) Empty() bool {
	return t.Root == InvalidPgno
}

// Encode writes the descriptor into b, which must hold TreeSize bytes.
func (t *Tree) Encode(b []byte) {
	le.PutUint16(b[0:], t.Flags)
	le.PutUint16(b[2:], t.Height)
	le.PutUint32(b[4:], t.DupFixSize)
	le.PutUint32(b[8:], uint32(t.Root))
	le.PutUint32(b[12:], t.BranchPages)
	le.PutUint32(b[16:], t.LeafPages)
	le.PutUint32(b[20:], t.OverflowPages)
	le.PutUint64(b[24:], t.Sequence)
	le.PutUint64(b[32:], t.Items)
	le.PutUint64(b[40:], t.ModTxnID)
}

// Bytes returns the encoded descriptor.
func (t *Tree) Bytes() []byte {
	b := make([]byte, TreeSize)
	t.Encode(b)
	return b
}

// DecodeTree parses a descriptor written by Encode.
func DecodeTree(b []byte) (Tree, error) {
	if len(b) != TreeSize {
		return Tree{}, ErrCorrupted
	}
	t := Tree{
		Flags:         le.Uint16(b[0:]),
		Height:        le.Uint16(b[2:]),
		DupFixSize:    le.Uint32(b[4:]),
		Root:          Pgno(le.Uint32(b[8:])),
		BranchPages:   le.Uint32(b[12:]),
		LeafPages:     le.Uint32(b[16:]),
		OverflowPages: le.Uint32(b[20:]),
		Sequence:      le.Uint64(b[24:]),
		Items:         le.Uint64(b[32:]),
		ModTxnID:      le.Uint64(b[40:]),
	}
	if t.Height > MaxTreeDepth || (t.Root == InvalidPgno) != (t.Height == 0) {
		return Tree{}, ErrCorrupted
	}
	return t, nil
}
