package sdbx

import (
	"github.com/Giulio2002/sdbx/internal/storage"
)

// checkKey validates a key against the table's limits.
func (c *Cursor) checkKey(key []byte) error {
	flags := c.tdb.slot.flags
	if flags&IntegerKey != 0 && len(key) != 4 && len(key) != 8 {
		return NewError(ErrBadValSize)
	}
	if len(key) > c.txn.env.MaxKeySize(flags) {
		return NewError(ErrBadValSize)
	}
	return nil
}

// checkValue validates a value against the table's limits.
func (c *Cursor) checkValue(val []byte) error {
	flags := c.tdb.slot.flags
	if flags&IntegerDup != 0 && len(val) != 4 && len(val) != 8 {
		return NewError(ErrBadValSize)
	}
	if flags&DupFixed != 0 {
		if size := c.tdb.tree.DupFixSize; size != 0 && int(size) != len(val) {
			return NewError(ErrBadValSize)
		}
	}
	if len(val) > c.txn.env.MaxValSize(flags) {
		return NewError(ErrBadValSize)
	}
	return nil
}

// isTable reports whether the entry under the cursor is the descriptor of
// a named table, which only the table API may change.
func (c *Cursor) isTable() bool {
	return c.dbi == MainDBI && c.sc.EntryFlags()&storage.EntryTable != 0
}

// Put stores a key/value pair and leaves the cursor on it.
//
//   - NoOverwrite fails with ErrKeyExist if the key is present.
//   - NoDupData fails with ErrKeyExist if the pair is present (DupSort).
//   - Current replaces the entry under the cursor; key must match it.
//   - AllDups replaces every value of the key (DupSort).
//   - Append requires the key to sort after every key in the table.
//   - AppendDup requires the value to sort after the key's values (DupSort).
func (c *Cursor) Put(key, val []byte, flags PutFlags) error {
	if flags&^putFlagsMask != 0 {
		return NewError(ErrInvalidArgument)
	}
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.txn.writable(); err != nil {
		return err
	}
	dupSort := c.dupSort()
	if !dupSort && flags&(NoDupData|AppendDup) != 0 {
		return NewError(ErrInvalidArgument)
	}
	if err := c.checkKey(key); err != nil {
		return err
	}
	if err := c.checkValue(val); err != nil {
		return err
	}
	c.chunk = 0

	var err error
	switch {
	case flags&Current != 0:
		err = c.putCurrent(key, val)
	case flags&(Append|AppendDup) != 0:
		err = c.putAppend(key, val, flags)
	case dupSort:
		err = c.putDup(key, val, flags)
	default:
		err = c.putUnique(key, val, flags)
	}
	if err != nil {
		return c.txn.fail(err)
	}
	c.eof = eofNone
	c.tdb.state |= DBIStateDirty
	return nil
}

func (c *Cursor) insert(key, val []byte, appending bool) error {
	tree := &c.tdb.tree
	if c.tdb.slot.flags&DupFixed != 0 && tree.DupFixSize == 0 {
		tree.DupFixSize = uint32(len(val))
	}
	return c.sc.Insert(key, val, 0, appending)
}

func (c *Cursor) putUnique(key, val []byte, flags PutFlags) error {
	ok, err := c.sc.SeekKey(key)
	if err != nil {
		return err
	}
	if !ok || c.keyCmp(c.sc.Key(), key) != 0 {
		return c.insert(key, val, false)
	}
	if c.isTable() {
		return NewError(ErrIncompatible)
	}
	if flags&NoOverwrite != 0 {
		return NewError(ErrKeyExist)
	}
	return c.sc.SetValue(val, 0)
}

func (c *Cursor) putDup(key, val []byte, flags PutFlags) error {
	ok, err := c.sc.SeekKey(key)
	if err != nil {
		return err
	}
	exists := ok && c.keyCmp(c.sc.Key(), key) == 0
	if exists && flags&NoOverwrite != 0 {
		return NewError(ErrKeyExist)
	}
	if exists && flags&AllDups != 0 {
		if err := c.deleteKey(key); err != nil {
			return err
		}
		return c.insert(key, val, false)
	}
	if exists {
		ok, err = c.sc.SeekBoth(key, val)
		if err != nil {
			return err
		}
		if ok && c.keyCmp(c.sc.Key(), key) == 0 {
			v, err := c.sc.Value()
			if err != nil {
				return err
			}
			if c.tdb.slot.ord.Dup(v, val) == 0 {
				if flags&NoDupData != 0 {
					return NewError(ErrKeyExist)
				}
				return nil
			}
		}
	}
	return c.insert(key, val, false)
}

// putCurrent replaces the entry under the cursor.
func (c *Cursor) putCurrent(key, val []byte) error {
	pos, err := c.positioned()
	if err != nil {
		return err
	}
	if !pos {
		return NewError(ErrInvalidArgument)
	}
	if c.keyCmp(c.sc.Key(), key) != 0 {
		return NewError(ErrKeyMismatch)
	}
	if c.isTable() {
		return NewError(ErrIncompatible)
	}
	if !c.dupSort() {
		return c.sc.SetValue(val, 0)
	}
	cur, err := c.sc.Value()
	if err != nil {
		return err
	}
	if c.tdb.slot.ord.Dup(cur, val) == 0 {
		return nil
	}
	if err := c.sc.Delete(); err != nil {
		return err
	}
	ok, err := c.sc.SeekBoth(key, val)
	if err != nil {
		return err
	}
	if ok && c.keyCmp(c.sc.Key(), key) == 0 {
		if v, err := c.sc.Value(); err == nil && c.tdb.slot.ord.Dup(v, val) == 0 {
			return nil
		}
	}
	return c.insert(key, val, false)
}

// putAppend adds an entry that must sort after every entry of the table,
// or with AppendDup after every value of its key.
func (c *Cursor) putAppend(key, val []byte, flags PutFlags) error {
	dupSort := c.dupSort()
	if flags&Append == 0 {
		return c.putAppendDup(key, val)
	}
	ok, err := c.sc.Last()
	if err != nil {
		return err
	}
	if !ok {
		return c.insert(key, val, true)
	}
	cmp := c.keyCmp(key, c.sc.Key())
	switch {
	case cmp < 0:
		return NewError(ErrKeyMismatch)
	case cmp == 0 && !dupSort:
		return NewError(ErrKeyExist)
	case cmp == 0:
		last, err := c.sc.Value()
		if err != nil {
			return err
		}
		switch dc := c.tdb.slot.ord.Dup(val, last); {
		case dc == 0:
			return NewError(ErrKeyExist)
		case dc < 0:
			return NewError(ErrKeyMismatch)
		}
	}
	return c.insert(key, val, true)
}

func (c *Cursor) putAppendDup(key, val []byte) error {
	ok, err := c.sc.SeekKeyAfter(key)
	if err != nil {
		return err
	}
	if ok {
		ok, err = c.sc.Prev()
	} else {
		ok, err = c.sc.Last()
	}
	if err != nil {
		return err
	}
	if !ok || c.keyCmp(c.sc.Key(), key) != 0 {
		return c.insert(key, val, false)
	}
	last, err := c.sc.Value()
	if err != nil {
		return err
	}
	switch dc := c.tdb.slot.ord.Dup(val, last); {
	case dc == 0:
		return NewError(ErrKeyExist)
	case dc < 0:
		return NewError(ErrKeyMismatch)
	}
	return c.insert(key, val, false)
}

// deleteKey removes every entry of key. The cursor ends on the successor
// of the last one, or unpositioned.
func (c *Cursor) deleteKey(key []byte) error {
	ok, err := c.sc.SeekKey(key)
	for err == nil && ok && c.keyCmp(c.sc.Key(), key) == 0 {
		if err = c.sc.Delete(); err != nil {
			break
		}
		ok, err = c.sc.Valid()
	}
	return err
}

// Del deletes the entry under the cursor, or with AllDups every value of
// its key. The cursor moves to the following entry, so Next does not skip
// one.
func (c *Cursor) Del(flags PutFlags) error {
	if flags&^putFlagsMask != 0 {
		return NewError(ErrInvalidArgument)
	}
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.txn.writable(); err != nil {
		return err
	}
	pos, err := c.positioned()
	if err != nil {
		return c.txn.env.check(err)
	}
	if !pos {
		return NewError(ErrNotFound)
	}
	if c.isTable() {
		return NewError(ErrIncompatible)
	}
	c.chunk = 0
	if flags&AllDups != 0 && c.dupSort() {
		err = c.deleteKey(c.sc.Key())
	} else {
		err = c.sc.Delete()
	}
	if err != nil {
		return c.txn.fail(err)
	}
	if c.tdb.tree.Items == 0 {
		c.tdb.tree.DupFixSize = 0
	}
	if valid, _ := c.sc.Valid(); !valid {
		c.eof = eofEnd
	}
	c.tdb.state |= DBIStateDirty
	return nil
}
