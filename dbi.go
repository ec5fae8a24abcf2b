package sdbx

import (
	"bytes"
	"sync/atomic"

	"github.com/Giulio2002/sdbx/internal/storage"
)

// CmpFunc is a comparison function for keys or values.
type CmpFunc = func(a, b []byte) int

// dbSlot is the environment-wide state of one table handle. Slots are
// immutable apart from pending; reusing a handle installs a new slot.
type dbSlot struct {
	name  string
	flags TableFlags
	ord   *storage.Ordering
	open  bool
	// pending is set while the write transaction that created the table is
	// uncommitted.
	pending atomic.Bool
}

func newDBSlot(name string, flags TableFlags, cmp, dcmp CmpFunc) *dbSlot {
	flags &= persistentFlags
	if cmp == nil {
		cmp = keyCompare(flags&(ReverseKey|IntegerKey), false)
	}
	if dcmp == nil {
		dcmp = keyCompare(flags&(ReverseDup|IntegerDup), true)
	}
	return &dbSlot{
		name:  name,
		flags: flags,
		ord:   &storage.Ordering{Key: cmp, Dup: dcmp, DupSort: flags&DupSort != 0},
		open:  true,
	}
}

// keyCompare returns the built-in ordering for flags. dup selects the
// value flavor of the reverse and integer flags.
func keyCompare(flags TableFlags, dup bool) CmpFunc {
	reverse, integer := ReverseKey, IntegerKey
	if dup {
		reverse, integer = ReverseDup, IntegerDup
	}
	switch {
	case flags&integer != 0:
		return cmpInteger
	case flags&reverse != 0:
		return cmpReverse
	default:
		return bytes.Compare
	}
}

// cmpInteger orders native-endian uint32 or uint64 values.
func cmpInteger(a, b []byte) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	var x, y uint64
	switch len(a) {
	case 4:
		x, y = uint64(nativeUint32(a)), uint64(nativeUint32(b))
	case 8:
		x, y = nativeUint64(a), nativeUint64(b)
	default:
		return bytes.Compare(a, b)
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// cmpReverse compares byte strings from their last byte.
func cmpReverse(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
		i--
		j--
	}
	return len(a) - len(b)
}

// DBIState describes a table handle within one transaction.
type DBIState uint

const (
	// DBIStateDirty marks a table modified by the transaction
	DBIStateDirty DBIState = 0x01
	// DBIStateStale marks a table not yet read by the transaction
	DBIStateStale DBIState = 0x02
	// DBIStateFresh marks a table loaded by the transaction
	DBIStateFresh DBIState = 0x04
	// DBIStateCreat marks a table created by the transaction
	DBIStateCreat DBIState = 0x08
)

// txnDB is the view a transaction has of one table.
type txnDB struct {
	slot    *dbSlot
	tree    storage.Tree
	state   DBIState
	dropped bool
}

// slot returns the environment slot for dbi.
func (e *Env) slot(dbi DBI) *dbSlot {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	if int(dbi) >= len(e.dbs) {
		return nil
	}
	return e.dbs[dbi]
}

// table resolves dbi for an operation, loading the table descriptor from
// the transaction's snapshot on first use.
func (txn *Txn) table(dbi DBI) (*txnDB, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	if dbi == FreeDBI {
		return nil, NewError(ErrBadDBI)
	}
	slot := txn.env.slot(dbi)
	if slot == nil || !slot.open {
		return nil, NewError(ErrBadDBI)
	}
	for int(dbi) >= len(txn.dbs) {
		txn.dbs = append(txn.dbs, nil)
	}
	tdb := txn.dbs[dbi]
	if tdb != nil && tdb.slot == slot {
		if tdb.dropped {
			return nil, NewError(ErrBadDBI)
		}
		return tdb, nil
	}
	tree, found, err := txn.findRecord(slot.name)
	if err != nil {
		return nil, err
	}
	if !found {
		// Created by a transaction this one cannot see.
		return nil, NewError(ErrBadDBI)
	}
	if TableFlags(tree.Flags)&persistentFlags != slot.flags {
		return nil, NewError(ErrIncompatible)
	}
	if tdb == nil {
		tdb = &txnDB{}
		txn.dbs[dbi] = tdb
	}
	*tdb = txnDB{slot: slot, tree: tree, state: DBIStateFresh}
	return tdb, nil
}

// findRecord looks name up in the main table.
func (txn *Txn) findRecord(name string) (storage.Tree, bool, error) {
	main := txn.dbs[MainDBI]
	c := storage.NewCursor(txn.source(), &main.tree, main.slot.ord)
	key := []byte(name)
	ok, err := c.SeekKey(key)
	if err != nil {
		return storage.Tree{}, false, txn.env.check(err)
	}
	if !ok || main.slot.ord.Key(c.Key(), key) != 0 {
		return storage.Tree{}, false, nil
	}
	if c.EntryFlags()&storage.EntryTable == 0 {
		return storage.Tree{}, false, NewError(ErrIncompatible)
	}
	v, err := c.Value()
	if err != nil {
		return storage.Tree{}, false, txn.env.check(err)
	}
	tree, err := storage.DecodeTree(v)
	if err != nil {
		return storage.Tree{}, false, txn.env.check(err)
	}
	return tree, true, nil
}

// writeRecord stores or removes the descriptor of a named table.
func (txn *Txn) writeRecord(name string, tree *storage.Tree) error {
	main := txn.dbs[MainDBI]
	c := storage.NewCursor(txn.w, &main.tree, main.slot.ord)
	key := []byte(name)
	ok, err := c.SeekKey(key)
	if err != nil {
		return err
	}
	exists := ok && main.slot.ord.Key(c.Key(), key) == 0
	if exists && c.EntryFlags()&storage.EntryTable == 0 {
		return NewError(ErrIncompatible)
	}
	switch {
	case tree == nil && exists:
		err = c.Delete()
	case tree == nil:
	case exists:
		err = c.SetValue(tree.Bytes(), storage.EntryTable)
	default:
		err = c.Insert(key, tree.Bytes(), storage.EntryTable, false)
	}
	if err != nil {
		return err
	}
	main.state |= DBIStateDirty
	return nil
}

// OpenDBISimple opens a table using default comparators.
func (txn *Txn) OpenDBISimple(name string, flags TableFlags) (DBI, error) {
	return txn.OpenDBI(name, flags, nil, nil)
}

// OpenDBI opens a table within the transaction. An empty name is the
// default table. cmp and dcmp override the key and value orderings; they
// must be the same every time the table is opened.
//
// A table that does not exist is created when flags contain Create and the
// transaction is read-write. An existing table must have been created with
// the same flags unless DBAccede is given, in which case its flags are
// adopted.
func (txn *Txn) OpenDBI(name string, flags TableFlags, cmp, dcmp CmpFunc) (DBI, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if err := flags.validate(); err != nil {
		return 0, err
	}
	e := txn.env
	main := txn.dbs[MainDBI]
	if name == "" {
		return txn.openMain(flags, cmp, dcmp)
	}
	if main.slot.flags&(DupSort|IntegerKey) != 0 {
		return 0, NewError(ErrIncompatible)
	}
	if len(name) > e.MaxKeySize(DBDefaults) {
		return 0, NewError(ErrBadValSize)
	}

	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	tree, found, err := txn.findRecord(name)
	if err != nil {
		return 0, err
	}
	want := flags & persistentFlags
	if found {
		have := TableFlags(tree.Flags) & persistentFlags
		if have != want && flags&DBAccede == 0 {
			return 0, NewError(ErrIncompatible)
		}
		want = have
	} else {
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		if txn.IsReadOnly() {
			return 0, NewError(ErrPermissionDenied)
		}
	}

	dbi, slot, fresh, err := e.claimSlot(name, want, cmp, dcmp)
	if err != nil {
		return 0, err
	}
	for int(dbi) >= len(txn.dbs) {
		txn.dbs = append(txn.dbs, nil)
	}
	if found {
		if tdb := txn.dbs[dbi]; tdb == nil || tdb.slot != slot || tdb.dropped {
			txn.dbs[dbi] = &txnDB{slot: slot, tree: tree, state: DBIStateFresh}
		}
	} else {
		tree = storage.EmptyTree(uint16(want))
		if err := txn.writeRecord(name, &tree); err != nil {
			if fresh {
				e.dropSlot(dbi)
			}
			return 0, txn.fail(err)
		}
		txn.dbs[dbi] = &txnDB{slot: slot, tree: tree, state: DBIStateCreat | DBIStateDirty | DBIStateFresh}
		if fresh {
			slot.pending.Store(true)
			txn.created = append(txn.created, dbi)
		}
	}
	return dbi, nil
}

// openMain returns the default table. Flags that differ from the persisted
// ones are an error unless DBAccede is given, or the table is still empty
// and Create asks a read-write transaction to change them.
func (txn *Txn) openMain(flags TableFlags, cmp, dcmp CmpFunc) (DBI, error) {
	main := txn.dbs[MainDBI]
	want := flags & persistentFlags
	if want == main.slot.flags || flags&DBAccede != 0 || (want == 0 && flags&Create == 0) {
		if cmp != nil || dcmp != nil {
			txn.setMainSlot(newDBSlot("", main.slot.flags, cmp, dcmp))
		}
		return MainDBI, nil
	}
	if flags&Create == 0 || txn.IsReadOnly() || !main.tree.Empty() {
		return 0, NewError(ErrIncompatible)
	}
	txn.setMainSlot(newDBSlot("", want, cmp, dcmp))
	main.tree.Flags = uint16(want)
	main.state |= DBIStateDirty
	txn.w.Touch()
	return MainDBI, nil
}

func (txn *Txn) setMainSlot(slot *dbSlot) {
	e := txn.env
	e.dbMu.Lock()
	e.dbs[MainDBI] = slot
	e.dbMu.Unlock()
	txn.dbs[MainDBI].slot = slot
}

// claimSlot returns the handle for name, allocating one when the name has
// none. The caller holds dbMu.
func (e *Env) claimSlot(name string, flags TableFlags, cmp, dcmp CmpFunc) (DBI, *dbSlot, bool, error) {
	if dbi, ok := e.dbNames.Load(name); ok {
		slot := e.dbs[dbi]
		if slot.flags == flags {
			return dbi, slot, false, nil
		}
		// Recreated with other flags, or adopted under DBAccede.
		slot = newDBSlot(name, flags, cmp, dcmp)
		e.dbs[dbi] = slot
		return dbi, slot, false, nil
	}
	slot := newDBSlot(name, flags, cmp, dcmp)
	for i := CoreDBs; i < len(e.dbs); i++ {
		if e.dbs[i] == nil {
			e.dbs[i] = slot
			e.dbNames.Store(name, DBI(i))
			return DBI(i), slot, true, nil
		}
	}
	if len(e.dbs)-CoreDBs >= e.maxTables {
		return 0, nil, false, NewError(ErrDBsFull)
	}
	e.dbs = append(e.dbs, slot)
	dbi := DBI(len(e.dbs) - 1)
	e.dbNames.Store(name, dbi)
	return dbi, slot, true, nil
}

// dropSlot frees a handle. The caller holds dbMu.
func (e *Env) dropSlot(dbi DBI) {
	slot := e.dbs[dbi]
	if slot == nil {
		return
	}
	e.dbs[dbi] = nil
	e.dbNames.Delete(slot.name)
}

// CloseDBI releases a table handle. The caller must ensure no transaction
// still uses it; a handle whose creating transaction is uncommitted cannot
// be closed.
func (e *Env) CloseDBI(dbi DBI) error {
	if dbi < CoreDBs {
		return nil
	}
	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	if int(dbi) >= len(e.dbs) || e.dbs[dbi] == nil {
		return NewError(ErrBadDBI)
	}
	if e.dbs[dbi].pending.Load() {
		return NewError(ErrBusy)
	}
	e.dropSlot(dbi)
	return nil
}

// CloseDBI is an alias for Env.CloseDBI.
func (txn *Txn) CloseDBI(dbi DBI) error {
	return txn.env.CloseDBI(dbi)
}

// Drop empties a table, or deletes it entirely when del is set. A deleted
// table's handle becomes invalid when the transaction commits.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if dbi == FreeDBI {
		return NewError(ErrInvalidArgument)
	}
	tdb, err := txn.table(dbi)
	if err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return NewError(ErrPermissionDenied)
	}
	if dbi == MainDBI {
		if del {
			return NewError(ErrInvalidArgument)
		}
		names, err := txn.ListTables()
		if err != nil {
			return err
		}
		if len(names) > 0 {
			return NewError(ErrIncompatible)
		}
	}
	if err := txn.w.DropTree(&tdb.tree); err != nil {
		return txn.fail(err)
	}
	seq := tdb.tree.Sequence
	tdb.tree = storage.EmptyTree(uint16(tdb.slot.flags))
	tdb.tree.Sequence = seq
	tdb.tree.ModTxnID = txn.w.ID()
	tdb.state |= DBIStateDirty
	if !del {
		return nil
	}
	if err := txn.writeRecord(tdb.slot.name, nil); err != nil {
		return txn.fail(err)
	}
	tdb.dropped = true
	txn.dropped = append(txn.dropped, dbi)
	return nil
}

// ListTables returns the names of the named tables visible to the
// transaction.
func (txn *Txn) ListTables() ([]string, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	main := txn.dbs[MainDBI]
	c := storage.NewCursor(txn.source(), &main.tree, main.slot.ord)
	var names []string
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		if c.EntryFlags()&storage.EntryTable != 0 {
			names = append(names, string(c.Key()))
		}
	}
	if err != nil {
		return nil, txn.env.check(err)
	}
	return names, nil
}

// Flags returns the flags of a table.
func (txn *Txn) Flags(dbi DBI) (TableFlags, error) {
	flags, _, err := txn.FlagsEx(dbi)
	return flags, err
}

// FlagsEx returns the flags of a table and its state in the transaction.
// DBIStateStale is reported when the transaction had not used the table
// before.
func (txn *Txn) FlagsEx(dbi DBI) (TableFlags, DBIState, error) {
	stale := int(dbi) >= len(txn.dbs) || txn.dbs[dbi] == nil || txn.dbs[dbi].slot == nil
	tdb, err := txn.table(dbi)
	if err != nil {
		return 0, 0, err
	}
	state := tdb.state
	if stale {
		state |= DBIStateStale
	}
	return tdb.slot.flags, state, nil
}

// Stat is the statistics of a table.
type Stat struct {
	PSize         uint32 // Size of a database page
	Depth         uint32 // Depth (height) of the B-tree
	BranchPages   uint64 // Number of internal (non-leaf) pages
	LeafPages     uint64 // Number of leaf pages
	OverflowPages uint64 // Number of overflow pages
	Entries       uint64 // Number of data items
	LastTxnID     uint64 // Transaction ID of the last modification
}

func treeStat(ps int, tree *storage.Tree) *Stat {
	return &Stat{
		PSize:         uint32(ps),
		Depth:         uint32(tree.Height),
		BranchPages:   uint64(tree.BranchPages),
		LeafPages:     uint64(tree.LeafPages),
		OverflowPages: uint64(tree.OverflowPages),
		Entries:       tree.Items,
		LastTxnID:     tree.ModTxnID,
	}
}

// Stat returns statistics of a table. For FreeDBI it describes the free
// page list: Entries counts free and pending pages.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if dbi == FreeDBI {
		if err := txn.usable(); err != nil {
			return nil, err
		}
		return txn.freeStat(txn.source().PageSize())
	}
	tdb, err := txn.table(dbi)
	if err != nil {
		return nil, err
	}
	return treeStat(txn.source().PageSize(), &tdb.tree), nil
}

func (txn *Txn) freeStat(ps int) (*Stat, error) {
	m := txn.meta()
	st := &Stat{PSize: uint32(ps), LeafPages: uint64(m.FreelistPages), LastTxnID: m.TxnID}
	var fl *storage.Freelist
	if txn.w != nil {
		fl = txn.w.Freelist()
	} else {
		var err error
		if fl, err = txn.snap.Freelist(); err != nil {
			return nil, txn.env.check(err)
		}
	}
	st.Entries = uint64(fl.FreeCount() + fl.PendingCount())
	return st, nil
}

// DBIStat is an alias for Stat.
func (txn *Txn) DBIStat(dbi DBI) (*Stat, error) {
	return txn.Stat(dbi)
}

// Sequence returns the table's sequence counter and adds increment to it.
// A read-only transaction may only pass 0. When the addition would
// overflow, nothing changes and a ResultTrue error is returned with the
// current value.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	tdb, err := txn.table(dbi)
	if err != nil {
		return 0, err
	}
	cur := tdb.tree.Sequence
	if increment == 0 {
		return cur, nil
	}
	if txn.IsReadOnly() {
		return 0, NewError(ErrPermissionDenied)
	}
	if cur+increment < cur {
		return cur, NewError(ResultTrue)
	}
	tdb.tree.Sequence = cur + increment
	tdb.state |= DBIStateDirty
	txn.w.Touch()
	return cur, nil
}

// Cmp compares two keys in the order of table dbi.
func (txn *Txn) Cmp(dbi DBI, a, b []byte) int {
	slot := txn.env.slot(dbi)
	if slot == nil || dbi == FreeDBI {
		return bytes.Compare(a, b)
	}
	return slot.ord.Key(a, b)
}

// DCmp compares two values in the duplicate order of table dbi.
func (txn *Txn) DCmp(dbi DBI, a, b []byte) int {
	slot := txn.env.slot(dbi)
	if slot == nil || dbi == FreeDBI {
		return bytes.Compare(a, b)
	}
	return slot.ord.Dup(a, b)
}
