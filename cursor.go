package sdbx

import (
	"github.com/Giulio2002/sdbx/internal/storage"
)

// eofState records on which side a cursor ran off the data.
type eofState uint8

const (
	eofNone eofState = iota
	eofEnd
	eofStart
)

// Cursor iterates a table in key order, and in value order within a key of
// a table with duplicates. A cursor belongs to one transaction; the
// cursors of a read-only transaction survive Reset and Renew, those of a
// read-write transaction are unbound when it ends.
type Cursor struct {
	txn *Txn
	dbi DBI
	tdb *txnDB
	sc  *storage.Cursor
	eof eofState
	// chunk is the number of values the last multiple-value op returned.
	chunk   int
	closed  bool
	userCtx any
}

func newCursor(txn *Txn, dbi DBI, tdb *txnDB) *Cursor {
	return &Cursor{
		txn: txn,
		dbi: dbi,
		tdb: tdb,
		sc:  storage.NewCursor(txn.source(), &tdb.tree, tdb.slot.ord),
	}
}

// OpenCursor opens a cursor on a table.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	tdb, err := txn.table(dbi)
	if err != nil {
		return nil, err
	}
	c := newCursor(txn, dbi, tdb)
	txn.cursors = append(txn.cursors, c)
	return c, nil
}

// ready revalidates the cursor against its transaction before an
// operation.
func (c *Cursor) ready() error {
	if c.closed || c.txn == nil {
		return NewError(ErrInvalidArgument)
	}
	tdb, err := c.txn.table(c.dbi)
	if err != nil {
		return err
	}
	if tdb != c.tdb || c.sc == nil {
		c.tdb = tdb
		c.sc = storage.NewCursor(c.txn.source(), &tdb.tree, tdb.slot.ord)
		c.eof = eofNone
	}
	return nil
}

// rebind drops the position after the transaction moved to a new snapshot.
func (c *Cursor) rebind() {
	c.sc = nil
	c.eof = eofNone
	c.chunk = 0
}

// detach unbinds the cursor from its ended transaction.
func (c *Cursor) detach() {
	c.txn = nil
	c.tdb = nil
	c.rebind()
}

// Txn returns the cursor's transaction, nil when unbound.
func (c *Cursor) Txn() *Txn {
	return c.txn
}

// DBI returns the cursor's table.
func (c *Cursor) DBI() DBI {
	return c.dbi
}

// Bind attaches the cursor to txn and dbi, unpositioned.
func (c *Cursor) Bind(txn *Txn, dbi DBI) error {
	if c.closed {
		return NewError(ErrInvalidArgument)
	}
	tdb, err := txn.table(dbi)
	if err != nil {
		return err
	}
	if c.txn != nil && c.txn != txn {
		c.txn.forget(c)
	}
	if c.txn != txn {
		txn.cursors = append(txn.cursors, c)
	}
	c.txn, c.dbi, c.tdb = txn, dbi, tdb
	c.rebind()
	return nil
}

// Renew binds the cursor to txn, keeping its table.
func (c *Cursor) Renew(txn *Txn) error {
	return c.Bind(txn, c.dbi)
}

// Unbind detaches the cursor from its transaction. It can be bound again.
func (c *Cursor) Unbind() error {
	if c.closed {
		return NewError(ErrInvalidArgument)
	}
	if c.txn != nil {
		c.txn.forget(c)
	}
	c.detach()
	return nil
}

// Close releases the cursor.
func (c *Cursor) Close() {
	if c == nil || c.closed {
		return
	}
	if c.txn != nil {
		c.txn.forget(c)
	}
	c.detach()
	c.closed = true
}

func (txn *Txn) forget(c *Cursor) {
	for i, x := range txn.cursors {
		if x == c {
			txn.cursors = append(txn.cursors[:i], txn.cursors[i+1:]...)
			return
		}
	}
}

// SetUserCtx attaches an arbitrary value to the cursor.
func (c *Cursor) SetUserCtx(ctx any) {
	c.userCtx = ctx
}

// UserCtx returns the value set by SetUserCtx.
func (c *Cursor) UserCtx() any {
	return c.userCtx
}

func (c *Cursor) dupSort() bool {
	return c.tdb.slot.flags&DupSort != 0
}

func (c *Cursor) keyCmp(a, b []byte) int {
	return c.tdb.slot.ord.Key(a, b)
}

// positioned reports whether the cursor rests on an entry.
func (c *Cursor) positioned() (bool, error) {
	ok, err := c.sc.Valid()
	if err != nil {
		return false, err
	}
	return ok && c.eof == eofNone, nil
}

// Get moves the cursor as op says and returns the entry it lands on. key
// and value are the search arguments of the seeking ops. The returned
// slices are valid until the transaction ends or, in a read-write
// transaction, until the next modification.
//
// SetLowerbound reports an inexact match as a ResultTrue error along with
// the entry found.
func (c *Cursor) Get(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	k, v, exact, err := c.get(key, value, op)
	if err == nil && op == SetLowerbound && !exact {
		err = NewError(ResultTrue)
	}
	return k, v, err
}

// Bound positions the cursor with SetLowerbound or SetUpperbound semantics
// and reports whether the entry found matches the arguments exactly.
func (c *Cursor) Bound(key, value []byte, op CursorOp) (k, v []byte, exact bool, err error) {
	if op != SetLowerbound && op != SetUpperbound {
		return nil, nil, false, NewError(ErrInvalidArgument)
	}
	return c.get(key, value, op)
}

func (c *Cursor) get(key, value []byte, op CursorOp) ([]byte, []byte, bool, error) {
	if err := c.ready(); err != nil {
		return nil, nil, false, err
	}
	if op == GetMultiple || op == NextMultiple || op == PrevMultiple {
		v, err := c.multiple(op)
		if err != nil {
			return nil, nil, false, err
		}
		return c.sc.Key(), v, true, nil
	}
	c.chunk = 0
	exact, err := c.move(key, value, op)
	if err != nil {
		return nil, nil, false, err
	}
	v, err := c.sc.Value()
	if err != nil {
		return nil, nil, false, c.txn.env.check(err)
	}
	return c.sc.Key(), v, exact, nil
}

// move positions the cursor. It returns ErrNotFound when there is no such
// entry and reports whether a bound op matched exactly.
func (c *Cursor) move(key, value []byte, op CursorOp) (bool, error) {
	var (
		ok  bool
		err error
	)
	switch op {
	case First:
		ok, err = c.sc.First()
		return c.landed(ok, err, eofEnd)

	case Last:
		ok, err = c.sc.Last()
		return c.landed(ok, err, eofStart)

	case Next:
		return c.next()

	case Prev:
		return c.prev()

	case GetCurrent:
		pos, err := c.positioned()
		if err != nil {
			return false, c.txn.env.check(err)
		}
		if !pos {
			return false, NewError(ErrNotFound)
		}
		return true, nil

	case Set, SetKey:
		if err := c.checkKey(key); err != nil {
			return false, err
		}
		ok, err = c.sc.SeekKey(key)
		if err != nil {
			return false, c.txn.env.check(err)
		}
		if !ok || c.keyCmp(c.sc.Key(), key) != 0 {
			c.sc.Reset()
			c.eof = eofNone
			return false, NewError(ErrNotFound)
		}
		c.eof = eofNone
		return true, nil

	case SetRange:
		if err := c.checkKey(key); err != nil {
			return false, err
		}
		ok, err = c.sc.SeekKey(key)
		return c.landed(ok, err, eofEnd)

	case GetBoth, GetBothRange:
		return c.getBoth(key, value, op == GetBoth)

	case SetLowerbound:
		if err := c.checkKey(key); err != nil {
			return false, err
		}
		if c.dupSort() && value != nil {
			ok, err = c.sc.SeekBoth(key, value)
		} else {
			ok, err = c.sc.SeekKey(key)
		}
		if _, err := c.landed(ok, err, eofEnd); err != nil {
			return false, err
		}
		exact := c.keyCmp(c.sc.Key(), key) == 0
		if exact && c.dupSort() && value != nil {
			v, err := c.sc.Value()
			if err != nil {
				return false, c.txn.env.check(err)
			}
			exact = c.tdb.slot.ord.Dup(v, value) == 0
		}
		return exact, nil

	case SetUpperbound:
		if err := c.checkKey(key); err != nil {
			return false, err
		}
		if c.dupSort() && value != nil {
			ok, err = c.sc.SeekBothAfter(key, value)
		} else {
			ok, err = c.sc.SeekKeyAfter(key)
		}
		if _, err := c.landed(ok, err, eofEnd); err != nil {
			return false, err
		}
		return false, nil

	case FirstDup, LastDup, NextDup, PrevDup, NextNoDup, PrevNoDup:
		return c.moveDup(op)
	}
	return false, NewError(ErrInvalidArgument)
}

// landed finishes a positioning step: a miss leaves the cursor at the
// given end of the data.
func (c *Cursor) landed(ok bool, err error, miss eofState) (bool, error) {
	if err != nil {
		return false, c.txn.env.check(err)
	}
	if !ok {
		c.eof = miss
		return false, NewError(ErrNotFound)
	}
	c.eof = eofNone
	return true, nil
}

func (c *Cursor) next() (bool, error) {
	valid, err := c.sc.Valid()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	switch {
	case c.eof == eofEnd:
		return false, NewError(ErrNotFound)
	case !valid:
		ok, err := c.sc.First()
		return c.landed(ok, err, eofEnd)
	case c.eof == eofStart:
		c.eof = eofNone
		return true, nil
	}
	ok, err := c.sc.Next()
	return c.landed(ok, err, eofEnd)
}

func (c *Cursor) prev() (bool, error) {
	valid, err := c.sc.Valid()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	switch {
	case c.eof == eofStart:
		return false, NewError(ErrNotFound)
	case !valid:
		ok, err := c.sc.Last()
		return c.landed(ok, err, eofStart)
	case c.eof == eofEnd && !c.sc.Shifted():
		c.eof = eofNone
		return true, nil
	}
	ok, err := c.sc.Prev()
	return c.landed(ok, err, eofStart)
}

func (c *Cursor) getBoth(key, value []byte, exact bool) (bool, error) {
	if err := c.checkKey(key); err != nil {
		return false, err
	}
	miss := func() (bool, error) {
		c.sc.Reset()
		c.eof = eofNone
		return false, NewError(ErrNotFound)
	}
	var (
		ok  bool
		err error
	)
	if c.dupSort() {
		ok, err = c.sc.SeekBoth(key, value)
	} else {
		ok, err = c.sc.SeekKey(key)
	}
	if err != nil {
		return false, c.txn.env.check(err)
	}
	if !ok || c.keyCmp(c.sc.Key(), key) != 0 {
		return miss()
	}
	v, err := c.sc.Value()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	cmp := c.tdb.slot.ord.Dup(v, value)
	if exact && cmp != 0 || !exact && cmp < 0 {
		return miss()
	}
	c.eof = eofNone
	return true, nil
}

// moveDup implements the ops that move within or across the values of a
// key.
func (c *Cursor) moveDup(op CursorOp) (bool, error) {
	pos, err := c.positioned()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	switch op {
	case NextNoDup:
		if !pos {
			return c.next()
		}
		cl := c.sc.Clone()
		ok, err := cl.SeekKeyAfter(c.sc.Key())
		if err != nil {
			return false, c.txn.env.check(err)
		}
		if !ok {
			c.eof = eofEnd
			return false, NewError(ErrNotFound)
		}
		c.sc = cl
		return true, nil

	case PrevNoDup:
		if !pos {
			return c.prev()
		}
		cl := c.sc.Clone()
		ok, err := cl.SeekKey(c.sc.Key())
		if err == nil && ok {
			ok, err = cl.Prev()
		}
		if err != nil {
			return false, c.txn.env.check(err)
		}
		if !ok {
			c.eof = eofStart
			return false, NewError(ErrNotFound)
		}
		c.sc = cl
		return true, nil
	}

	if !pos {
		return false, NewError(ErrInvalidArgument)
	}
	if !c.dupSort() {
		if op == FirstDup || op == LastDup {
			return true, nil
		}
		return false, NewError(ErrNotFound)
	}
	key := c.sc.Key()
	cl := c.sc.Clone()
	var ok bool
	switch op {
	case FirstDup:
		ok, err = cl.SeekKey(key)
	case LastDup:
		ok, err = cl.SeekKeyAfter(key)
		switch {
		case err != nil:
		case ok:
			ok, err = cl.Prev()
		default:
			ok, err = cl.Last()
		}
	case NextDup:
		ok, err = cl.Next()
	case PrevDup:
		ok, err = cl.Prev()
	}
	if err != nil {
		return false, c.txn.env.check(err)
	}
	if !ok || c.keyCmp(cl.Key(), key) != 0 {
		return false, NewError(ErrNotFound)
	}
	c.sc = cl
	return true, nil
}

// multiple returns a page worth of consecutive values of the current key
// of a DupFixed table, packed back to back. The cursor rests on the last
// value returned.
func (c *Cursor) multiple(op CursorOp) ([]byte, error) {
	if c.tdb.slot.flags&DupFixed == 0 {
		return nil, NewError(ErrIncompatible)
	}
	pos, err := c.positioned()
	if err != nil {
		return nil, c.txn.env.check(err)
	}
	if !pos {
		return nil, NewError(ErrInvalidArgument)
	}
	size := int(c.tdb.tree.DupFixSize)
	if size == 0 {
		return nil, NewError(ErrNotFound)
	}
	limit := max(1, c.txn.source().PageSize()/size)
	key := c.sc.Key()
	cl := c.sc.Clone()

	want := limit
	switch op {
	case NextMultiple:
		ok, err := cl.Next()
		if err != nil {
			return nil, c.txn.env.check(err)
		}
		if !ok || c.keyCmp(cl.Key(), key) != 0 {
			return nil, NewError(ErrNotFound)
		}
	case PrevMultiple:
		// Step back over the chunk returned last, then over up to a full
		// one before it.
		chunk := max(c.chunk, 1)
		moved := 0
		for moved < chunk-1+limit {
			ok, err := cl.Prev()
			if err != nil {
				return nil, c.txn.env.check(err)
			}
			if !ok {
				break
			}
			if c.keyCmp(cl.Key(), key) != 0 {
				if _, err := cl.Next(); err != nil {
					return nil, c.txn.env.check(err)
				}
				break
			}
			moved++
		}
		if moved < chunk {
			return nil, NewError(ErrNotFound)
		}
		want = moved - (chunk - 1)
	case GetMultiple:
		for i := 1; i < c.chunk; i++ {
			if ok, err := cl.Prev(); err != nil || !ok {
				break
			}
		}
	}

	out := make([]byte, 0, limit*size)
	n := 0
	last := cl.Clone()
	for n < want {
		v, err := cl.Value()
		if err != nil {
			return nil, c.txn.env.check(err)
		}
		out = append(out, v...)
		n++
		last = cl.Clone()
		ok, err := cl.Next()
		if err != nil {
			return nil, c.txn.env.check(err)
		}
		if !ok || c.keyCmp(cl.Key(), key) != 0 {
			break
		}
	}
	c.sc = last
	c.chunk = n
	c.eof = eofNone
	return out, nil
}

// Count returns the number of values of the current key.
func (c *Cursor) Count() (uint64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	pos, err := c.positioned()
	if err != nil {
		return 0, c.txn.env.check(err)
	}
	if !pos {
		return 0, NewError(ErrInvalidArgument)
	}
	n, err := c.sc.CountKey()
	if err != nil {
		return 0, c.txn.env.check(err)
	}
	return n, nil
}

// EOF reports whether the cursor is not on an entry: unpositioned or moved
// past either end.
func (c *Cursor) EOF() (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	pos, err := c.positioned()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	return !pos, nil
}

// OnFirst reports whether the cursor is on the first entry of the table.
// It is true for an empty table.
func (c *Cursor) OnFirst() (bool, error) {
	return c.onEdge(false)
}

// OnLast reports whether the cursor is on the last entry of the table. It
// is true for an empty table.
func (c *Cursor) OnLast() (bool, error) {
	return c.onEdge(true)
}

func (c *Cursor) onEdge(last bool) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	if c.tdb.tree.Empty() {
		return true, nil
	}
	pos, err := c.positioned()
	if err != nil || !pos {
		return false, c.txn.env.check(err)
	}
	cl := c.sc.Clone()
	var ok bool
	if last {
		ok, err = cl.Next()
	} else {
		ok, err = cl.Prev()
	}
	if err != nil {
		return false, c.txn.env.check(err)
	}
	return !ok, nil
}

// OnFirstDup reports whether the cursor is on the first value of its key.
func (c *Cursor) OnFirstDup() (bool, error) {
	return c.onEdgeDup(false)
}

// OnLastDup reports whether the cursor is on the last value of its key.
func (c *Cursor) OnLastDup() (bool, error) {
	return c.onEdgeDup(true)
}

func (c *Cursor) onEdgeDup(last bool) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	pos, err := c.positioned()
	if err != nil {
		return false, c.txn.env.check(err)
	}
	if !pos {
		return false, NewError(ErrInvalidArgument)
	}
	if !c.dupSort() {
		return true, nil
	}
	key := c.sc.Key()
	cl := c.sc.Clone()
	var ok bool
	if last {
		ok, err = cl.Next()
	} else {
		ok, err = cl.Prev()
	}
	if err != nil {
		return false, c.txn.env.check(err)
	}
	return !ok || c.keyCmp(cl.Key(), key) != 0, nil
}
