package storage

// Source is where a cursor reads pages from: a Snapshot or a WriteTxn.
type Source interface {
	PageSize() int
	node(pg Pgno) (*node, error)
	overflow(pg Pgno, n int) ([]byte, error)
	writer() *WriteTxn
}

type frame struct {
	pg  Pgno
	n   *node
	idx int
}

// Cursor walks one tree. A cursor over a write transaction survives
// modifications made through other cursors: it notices the transaction
// generation changed and repositions on the entry it was on, or on that
// entry's successor when it was deleted.
type Cursor struct {
	src   Source
	w     *WriteTxn
	tree  *Tree
	ord   *Ordering
	stack []frame
	valid bool
	// shifted is set when the entry the cursor was on disappeared and the
	// stack points at its successor; the next forward step stays in place.
	shifted bool
	seen    uint64
	key     []byte
	val     []byte
}

// NewCursor returns an unpositioned cursor over tree. The tree descriptor
// is updated in place by modifications.
func NewCursor(src Source, tree *Tree, ord *Ordering) *Cursor {
	return &Cursor{
		src:   src,
		w:     src.writer(),
		tree:  tree,
		ord:   ord,
		stack: make([]frame, 0, 8),
	}
}

// Rebind points the cursor at another source and tree and unpositions it.
func (c *Cursor) Rebind(src Source, tree *Tree, ord *Ordering) {
	c.src, c.w, c.tree, c.ord = src, src.writer(), tree, ord
	c.Reset()
}

// Tree returns the descriptor the cursor maintains.
func (c *Cursor) Tree() *Tree { return c.tree }

// Reset unpositions the cursor.
func (c *Cursor) Reset() {
	c.stack = c.stack[:0]
	c.valid = false
	c.shifted = false
	c.key, c.val = nil, nil
}

// Clone returns an independent cursor at the same position.
func (c *Cursor) Clone() *Cursor {
	cc := *c
	cc.stack = append(make([]frame, 0, cap(c.stack)), c.stack...)
	return &cc
}

// Valid reports whether the cursor is on an entry, after catching up with
// modifications made through other cursors.
func (c *Cursor) Valid() (bool, error) {
	if err := c.sync(); err != nil {
		return false, err
	}
	return c.valid, nil
}

// Shifted reports whether the cursor's entry was deleted and the cursor
// now rests on the successor.
func (c *Cursor) Shifted() bool { return c.shifted }

func (c *Cursor) setPosition() {
	top := &c.stack[len(c.stack)-1]
	c.valid = true
	c.key = top.n.keys[top.idx]
	c.val = top.n.vals[top.idx]
	if c.w != nil {
		c.seen = c.w.gen
	}
}

func (c *Cursor) invalidate() {
	c.valid = false
	c.shifted = false
	if c.w != nil {
		c.seen = c.w.gen
	}
}

// sync repositions the cursor after the tree changed beneath it.
func (c *Cursor) sync() error {
	if c.w == nil || c.seen == c.w.gen || !c.valid {
		return nil
	}
	key, val := c.key, c.val
	shifted := c.shifted
	found, err := c.seekPos(func(k, v []byte) bool {
		return c.ord.compare(k, v, key, val) < 0
	})
	if err != nil {
		return err
	}
	if !found {
		c.invalidate()
		return nil
	}
	c.shifted = shifted || c.ord.compare(c.key, c.val, key, val) != 0
	return nil
}

// descend builds the stack down to the leaf position of the first entry
// not before the target. The leaf index may equal the leaf length.
func (c *Cursor) descend(before func(k, v []byte) bool) error {
	c.stack = c.stack[:0]
	c.valid = false
	c.shifted = false
	if c.tree.Root == InvalidPgno {
		return nil
	}
	pg := c.tree.Root
	for {
		if len(c.stack) >= MaxTreeDepth {
			return ErrCursorFull
		}
		n, err := c.src.node(pg)
		if err != nil {
			return err
		}
		i := n.search(before)
		c.stack = append(c.stack, frame{pg: pg, n: n, idx: i})
		if n.leaf {
			return nil
		}
		pg = n.kids[i]
	}
}

func (c *Cursor) seekPos(before func(k, v []byte) bool) (bool, error) {
	if err := c.descend(before); err != nil {
		return false, err
	}
	if len(c.stack) == 0 {
		c.invalidate()
		return false, nil
	}
	top := &c.stack[len(c.stack)-1]
	if top.idx >= top.n.len() {
		top.idx = top.n.len() - 1
		ok, err := c.advance()
		if err != nil || !ok {
			c.invalidate()
			return false, err
		}
	}
	c.setPosition()
	return true, nil
}

// descendEdge pushes the leftmost or rightmost path below pg.
func (c *Cursor) descendEdge(pg Pgno, right bool) (bool, error) {
	for {
		if len(c.stack) >= MaxTreeDepth {
			return false, ErrCursorFull
		}
		n, err := c.src.node(pg)
		if err != nil {
			return false, err
		}
		idx := 0
		if right {
			idx = n.len() - 1
		}
		c.stack = append(c.stack, frame{pg: pg, n: n, idx: idx})
		if n.leaf {
			return n.len() > 0, nil
		}
		pg = n.kids[idx]
	}
}

// advance moves the stack to the next entry. The stack is undefined when
// it returns false.
func (c *Cursor) advance() (bool, error) {
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx < top.n.len() {
		return true, nil
	}
	for lvl := len(c.stack) - 2; lvl >= 0; lvl-- {
		f := &c.stack[lvl]
		if f.idx+1 < f.n.len() {
			f.idx++
			c.stack = c.stack[:lvl+1]
			return c.descendEdge(f.n.kids[f.idx], false)
		}
	}
	return false, nil
}

func (c *Cursor) retreat() (bool, error) {
	top := &c.stack[len(c.stack)-1]
	top.idx--
	if top.idx >= 0 {
		return true, nil
	}
	for lvl := len(c.stack) - 2; lvl >= 0; lvl-- {
		f := &c.stack[lvl]
		if f.idx > 0 {
			f.idx--
			c.stack = c.stack[:lvl+1]
			return c.descendEdge(f.n.kids[f.idx], true)
		}
	}
	return false, nil
}

func (c *Cursor) edge(right bool) (bool, error) {
	c.stack = c.stack[:0]
	c.shifted = false
	if c.tree.Root == InvalidPgno {
		c.invalidate()
		return false, nil
	}
	ok, err := c.descendEdge(c.tree.Root, right)
	if err != nil || !ok {
		c.invalidate()
		return false, err
	}
	c.setPosition()
	return true, nil
}

// First positions on the first entry.
func (c *Cursor) First() (bool, error) { return c.edge(false) }

// Last positions on the last entry.
func (c *Cursor) Last() (bool, error) { return c.edge(true) }

// Next moves to the following entry. At the end it returns false and the
// cursor stays on the last entry.
func (c *Cursor) Next() (bool, error) {
	if err := c.sync(); err != nil || !c.valid {
		return false, err
	}
	if c.shifted {
		c.shifted = false
		return true, nil
	}
	saved := append(make([]frame, 0, len(c.stack)), c.stack...)
	ok, err := c.advance()
	if err != nil {
		return false, err
	}
	if !ok {
		c.stack = append(c.stack[:0], saved...)
		return false, nil
	}
	c.setPosition()
	return true, nil
}

// Prev moves to the preceding entry. At the start it returns false and the
// cursor stays where it was.
func (c *Cursor) Prev() (bool, error) {
	if err := c.sync(); err != nil || !c.valid {
		return false, err
	}
	saved := append(make([]frame, 0, len(c.stack)), c.stack...)
	ok, err := c.retreat()
	if err != nil {
		return false, err
	}
	if !ok {
		c.stack = append(c.stack[:0], saved...)
		return false, nil
	}
	c.shifted = false
	c.setPosition()
	return true, nil
}

// SeekKey positions on the first entry whose key is >= key.
func (c *Cursor) SeekKey(key []byte) (bool, error) {
	return c.seekPos(func(k, _ []byte) bool { return c.ord.Key(k, key) < 0 })
}

// SeekKeyAfter positions on the first entry whose key is > key.
func (c *Cursor) SeekKeyAfter(key []byte) (bool, error) {
	return c.seekPos(func(k, _ []byte) bool { return c.ord.Key(k, key) <= 0 })
}

// SeekBoth positions on the first entry >= (key, val).
func (c *Cursor) SeekBoth(key, val []byte) (bool, error) {
	return c.seekPos(func(k, v []byte) bool { return c.ord.compare(k, v, key, val) < 0 })
}

// SeekBothAfter positions on the first entry > (key, val).
func (c *Cursor) SeekBothAfter(key, val []byte) (bool, error) {
	return c.seekPos(func(k, v []byte) bool { return c.ord.compare(k, v, key, val) <= 0 })
}

// Key returns the key of the current entry.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.key
}

// EntryFlags returns the flags of the current entry.
func (c *Cursor) EntryFlags() uint8 {
	if !c.valid {
		return 0
	}
	top := &c.stack[len(c.stack)-1]
	return top.n.eflags[top.idx]
}

// Value returns the value of the current entry, following overflow pages.
func (c *Cursor) Value() ([]byte, error) {
	if !c.valid {
		return nil, ErrNotFound
	}
	if c.EntryFlags()&EntryBig == 0 {
		return c.val, nil
	}
	return c.readBig(c.val)
}

func (c *Cursor) readBig(ref []byte) ([]byte, error) {
	pg, length := parseBigRef(ref)
	n := overflowPages(c.src.PageSize(), length)
	b, err := c.src.overflow(pg, n)
	if err != nil {
		return nil, err
	}
	if HeaderSize+length > len(b) {
		return nil, &Error{Op: "read overflow", Pgno: pg, Err: ErrCorrupted}
	}
	return b[HeaderSize : HeaderSize+length : HeaderSize+length], nil
}

// LeafPgno returns the page holding the current entry.
func (c *Cursor) LeafPgno() Pgno {
	if !c.valid {
		return InvalidPgno
	}
	return c.stack[len(c.stack)-1].pg
}

// CountKey returns the number of entries sharing the current key.
func (c *Cursor) CountKey() (uint64, error) {
	if err := c.sync(); err != nil {
		return 0, err
	}
	if !c.valid {
		return 0, ErrNotFound
	}
	if !c.ord.DupSort {
		return 1, nil
	}
	key := c.key
	cc := c.Clone()
	ok, err := cc.SeekKey(key)
	var n uint64
	for ok && err == nil && c.ord.Key(cc.key, key) == 0 {
		n++
		ok, err = cc.Next()
	}
	return n, err
}
