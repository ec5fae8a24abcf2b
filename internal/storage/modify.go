package storage

import "bytes"

func (c *Cursor) writable() error {
	if c.w == nil {
		return ErrReadOnly
	}
	if c.w.done {
		return ErrInvalid
	}
	return nil
}

// storeValue returns the leaf representation of val, moving it to an
// overflow run when the entry would not fit a quarter page.
func (c *Cursor) storeValue(key, val []byte, flags uint8) ([]byte, uint8, error) {
	ps := c.src.PageSize()
	if c.ord.DupSort || leafEntryOverhead+len(key)+len(val) <= maxEntry(ps) {
		return bytes.Clone(val), flags &^ EntryBig, nil
	}
	if len(val) > maxValueBytes {
		return nil, 0, ErrTooLarge
	}
	pg, n, err := c.w.putOverflow(val)
	if err != nil {
		return nil, 0, err
	}
	c.tree.OverflowPages += uint32(n)
	return bigRef(pg, len(val)), flags | EntryBig, nil
}

func (c *Cursor) dropValue(ref []byte, flags uint8) {
	if flags&EntryBig == 0 {
		return
	}
	pg, length := parseBigRef(ref)
	n := overflowPages(c.src.PageSize(), length)
	c.w.retire(pg, n)
	c.tree.OverflowPages -= uint32(n)
}

func (c *Cursor) modified() {
	c.w.gen++
	c.tree.ModTxnID = c.w.id
}

// Insert adds (key, val) at its ordered position. The caller has checked
// the entry is not present. appending hints that the entry goes after all
// others so the leaf is split at its end. The cursor ends on the new entry.
func (c *Cursor) Insert(key, val []byte, flags uint8, appending bool) error {
	if err := c.writable(); err != nil {
		return err
	}
	key = bytes.Clone(key)
	stored, flags, err := c.storeValue(key, val, flags)
	if err != nil {
		return err
	}
	if c.tree.Root == InvalidPgno {
		pg, err := c.w.allocate(1)
		if err != nil {
			return err
		}
		leaf := &node{leaf: true, keys: [][]byte{key}, vals: [][]byte{stored}, eflags: []uint8{flags}}
		if err := c.w.install(pg, leaf); err != nil {
			return err
		}
		c.tree.Root = pg
		c.tree.Height = 1
		c.tree.LeafPages = 1
	} else {
		err := c.descend(func(k, v []byte) bool { return c.ord.compare(k, v, key, stored) < 0 })
		if err != nil {
			return err
		}
		top := c.stack[len(c.stack)-1]
		leaf := top.n.clone()
		leaf.insertLeaf(top.idx, key, stored, flags)
		if err := c.rewrite(len(c.stack)-1, leaf, appending); err != nil {
			return err
		}
	}
	c.tree.Items++
	c.modified()
	_, err = c.SeekBoth(key, stored)
	return err
}

// SetValue replaces the value of the current entry in a tree without
// duplicates.
func (c *Cursor) SetValue(val []byte, flags uint8) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.sync(); err != nil {
		return err
	}
	if !c.valid {
		return ErrNotFound
	}
	top := c.stack[len(c.stack)-1]
	key := top.n.keys[top.idx]
	c.dropValue(top.n.vals[top.idx], top.n.eflags[top.idx])
	stored, flags, err := c.storeValue(key, val, flags)
	if err != nil {
		return err
	}
	leaf := top.n.clone()
	leaf.vals[top.idx] = stored
	leaf.eflags[top.idx] = flags
	if err := c.rewrite(len(c.stack)-1, leaf, false); err != nil {
		return err
	}
	c.modified()
	_, err = c.SeekBoth(key, stored)
	return err
}

// Delete removes the current entry. The cursor moves to the successor and
// reports it as shifted, or becomes invalid when the entry was the last.
func (c *Cursor) Delete() error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.sync(); err != nil {
		return err
	}
	if !c.valid {
		return ErrNotFound
	}
	top := c.stack[len(c.stack)-1]
	key, val := top.n.keys[top.idx], top.n.vals[top.idx]
	c.dropValue(val, top.n.eflags[top.idx])
	leaf := top.n.clone()
	leaf.remove(top.idx)
	if err := c.rewrite(len(c.stack)-1, leaf, false); err != nil {
		return err
	}
	c.tree.Items--
	c.modified()
	found, err := c.SeekBoth(key, val)
	if err != nil {
		return err
	}
	c.shifted = found
	return nil
}

func (c *Cursor) countPage(leaf bool, delta int) {
	if leaf {
		c.tree.LeafPages = uint32(int(c.tree.LeafPages) + delta)
	} else {
		c.tree.BranchPages = uint32(int(c.tree.BranchPages) + delta)
	}
}

// rewrite installs n as the new image of the node at stack level and
// propagates page number changes, splits and merges towards the root.
func (c *Cursor) rewrite(level int, n *node, appending bool) error {
	w, t := c.w, c.tree
	ps := c.src.PageSize()
	f := c.stack[level]

	if n.len() == 0 {
		w.retire(f.pg, 1)
		c.countPage(n.leaf, -1)
		if level == 0 {
			t.Root = InvalidPgno
			t.Height = 0
			return nil
		}
		pf := c.stack[level-1]
		p := pf.n.clone()
		p.remove(pf.idx)
		return c.rewrite(level-1, p, false)
	}

	if level == 0 && !n.leaf && n.len() == 1 {
		w.retire(f.pg, 1)
		t.BranchPages--
		t.Height--
		t.Root = n.kids[0]
		return nil
	}

	if n.size() > ps {
		idx := n.splitIndex()
		if appending && n.len() > 1 {
			idx = n.len() - 1
		}
		left, right := n.split(idx)
		sepKey, sepVal := right.keys[0], right.vals[0]
		if !n.leaf {
			right.keys[0], right.vals[0] = nil, nil
		} else if !c.ord.DupSort {
			sepVal = nil
		}
		lpg, err := w.writable(f.pg)
		if err != nil {
			return err
		}
		if err := w.install(lpg, left); err != nil {
			return err
		}
		rpg, err := w.allocate(1)
		if err != nil {
			return err
		}
		if err := w.install(rpg, right); err != nil {
			return err
		}
		c.countPage(n.leaf, 1)
		if level == 0 {
			root := &node{
				keys: [][]byte{nil, sepKey},
				vals: [][]byte{nil, sepVal},
				kids: []Pgno{lpg, rpg},
			}
			pg, err := w.allocate(1)
			if err != nil {
				return err
			}
			if err := w.install(pg, root); err != nil {
				return err
			}
			t.BranchPages++
			t.Height++
			t.Root = pg
			return nil
		}
		pf := c.stack[level-1]
		p := pf.n.clone()
		p.kids[pf.idx] = lpg
		p.insertBranch(pf.idx+1, sepKey, sepVal, rpg)
		return c.rewrite(level-1, p, appending)
	}

	if level > 0 && n.size() < ps/4 {
		merged, err := c.merge(level, n)
		if merged || err != nil {
			return err
		}
	}

	pg, err := w.writable(f.pg)
	if err != nil {
		return err
	}
	if err := w.install(pg, n); err != nil {
		return err
	}
	if level == 0 {
		t.Root = pg
		return nil
	}
	if pg == f.pg {
		// Ancestors of a dirty page are dirty already.
		return nil
	}
	pf := c.stack[level-1]
	p := pf.n.clone()
	p.kids[pf.idx] = pg
	return c.rewrite(level-1, p, false)
}

// merge folds an underfull node into a sibling when the result fits.
func (c *Cursor) merge(level int, n *node) (bool, error) {
	w := c.w
	pf := c.stack[level-1]
	p := pf.n
	if p.len() < 2 {
		return false, nil
	}
	li := pf.idx
	if li+1 >= p.len() {
		li--
	}
	var left, right *node
	if li == pf.idx {
		sib, err := c.src.node(p.kids[li+1])
		if err != nil {
			return false, err
		}
		left, right = n, sib
	} else {
		sib, err := c.src.node(p.kids[li])
		if err != nil {
			return false, err
		}
		left, right = sib, n
	}
	m := merge(left, right, p.keys[li+1], p.vals[li+1])
	if m.size() > c.src.PageSize() {
		return false, nil
	}
	w.retire(p.kids[li+1], 1)
	c.countPage(n.leaf, -1)
	lpg, err := w.writable(p.kids[li])
	if err != nil {
		return false, err
	}
	if err := w.install(lpg, m); err != nil {
		return false, err
	}
	np := p.clone()
	np.kids[li] = lpg
	np.remove(li + 1)
	return true, c.rewrite(level-1, np, false)
}
