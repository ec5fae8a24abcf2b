package sdbx

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/Giulio2002/sdbx/internal/storage"
)

type txnState int

const (
	txnBegun txnState = iota
	txnReset
	txnParked
	txnBroken
	txnDone
)

// Txn is a transaction. A read-only transaction sees the snapshot that was
// newest when it began; a read-write transaction is the only writer of the
// environment until it commits or aborts. A Txn must not be used from
// several goroutines at once.
type Txn struct {
	env    *Env
	parent *Txn
	child  *Txn
	flags  TxnFlags
	state  txnState
	id     uint64
	tid    uint64

	// Read transaction state
	slot       int
	snap       *storage.Snapshot
	autoUnpark bool

	// Write transaction state
	w       *storage.WriteTxn
	created []DBI
	dropped []DBI

	dbs     []*txnDB
	cursors []*Cursor
	userCtx any
}

// CommitLatency is the time spent in each phase of a commit.
type CommitLatency struct {
	Preparation time.Duration
	GC          time.Duration
	Audit       time.Duration
	Write       time.Duration
	Sync        time.Duration
	Ending      time.Duration
	Whole       time.Duration
}

// BeginTxn starts a transaction. With a parent it starts a nested write
// transaction: the parent is unusable until the child ends, and the
// child's changes reach the parent only if it commits.
//
// Only one write transaction runs at a time; BeginTxn waits for the
// current writer unless flags contain TxnTry, in which case it fails with
// ErrBusy.
func (e *Env) BeginTxn(parent *Txn, flags TxnFlags) (*Txn, error) {
	if flags&^txnFlagsMask != 0 {
		return nil, NewError(ErrInvalidArgument)
	}
	if err := e.opened(); err != nil {
		return nil, err
	}
	if parent != nil {
		return parent.beginNested(flags)
	}
	if flags&TxnReadOnly != 0 {
		if flags&(TxnTry|TxnNoSync|TxnNoMetaSync) != 0 {
			return nil, NewError(ErrInvalidArgument)
		}
		return e.beginRead(flags)
	}
	return e.beginWrite(flags)
}

func (e *Env) beginRead(flags TxnFlags) (*Txn, error) {
	txn := &Txn{env: e, flags: flags, tid: platform.Gettid(), slot: -1}
	if err := e.registerThread(txn); err != nil {
		return nil, err
	}
	slot, err := e.readers.acquire(txn.tid)
	if err != nil {
		e.unregisterThread(txn)
		return nil, err
	}
	txn.slot = slot
	if err := txn.pin(); err != nil {
		e.readers.release(slot)
		e.unregisterThread(txn)
		return nil, e.check(err)
	}
	e.liveReaders.Add(1)
	e.metrics.readBegun.Inc()
	return txn, nil
}

func (e *Env) beginWrite(flags TxnFlags) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, NewError(ErrPermissionDenied)
	}
	txn := &Txn{env: e, flags: flags &^ TxnTry, tid: platform.Gettid(), slot: -1}
	if err := e.registerThread(txn); err != nil {
		return nil, err
	}
	if err := e.lockWriter(flags&TxnTry != 0); err != nil {
		e.unregisterThread(txn)
		return nil, err
	}
	w, err := e.store.Begin(storage.Hooks{
		Oldest: e.oldestReader,
		Stalled: func(oldest uint64, _ int, retry int) bool {
			return e.stalled(txn.id, oldest, retry)
		},
	})
	if err != nil {
		e.unlockWriter()
		e.unregisterThread(txn)
		return nil, e.check(err)
	}
	txn.w, txn.id = w, w.ID()
	txn.loadMain(w.Base().Main)
	e.writer.Store(txn)
	e.metrics.writeBegun.Inc()
	return txn, nil
}

func (parent *Txn) beginNested(flags TxnFlags) (*Txn, error) {
	if flags&(TxnReadOnly|TxnTry) != 0 || parent.IsReadOnly() {
		return nil, NewError(ErrInvalidArgument)
	}
	if err := parent.usable(); err != nil {
		return nil, err
	}
	child := &Txn{
		env:    parent.env,
		parent: parent,
		flags:  parent.flags,
		id:     parent.id,
		tid:    parent.tid,
		slot:   -1,
		w:      parent.w.Nested(),
		dbs:    make([]*txnDB, len(parent.dbs)),
	}
	for i, tdb := range parent.dbs {
		if tdb != nil {
			c := *tdb
			child.dbs[i] = &c
		}
	}
	parent.child = child
	return child, nil
}

// registerThread enforces one transaction per OS thread under
// StickyThreads.
func (e *Env) registerThread(txn *Txn) error {
	if e.flags&StickyThreads == 0 || !platform.ThreadIDs {
		return nil
	}
	if _, loaded := e.threadTxns.LoadOrStore(txn.tid, txn); loaded {
		return NewError(ErrTxnOverlapping)
	}
	return nil
}

func (e *Env) unregisterThread(txn *Txn) {
	if e.flags&StickyThreads == 0 || !platform.ThreadIDs {
		return
	}
	e.threadTxns.Compute(txn.tid, func(cur *Txn, loaded bool) (*Txn, bool) {
		return cur, !loaded || cur == txn
	})
}

// pin publishes the newest snapshot in the reader slot and maps it. When a
// commit lands between the two steps the published id is stale and pin
// starts over.
func (txn *Txn) pin() error {
	e := txn.env
	for {
		m, err := e.store.Recent()
		if err != nil {
			return err
		}
		e.readers.publish(txn.slot, m.TxnID, uint32(m.NextPgno), m.PagesRetired)
		snap, err := e.store.Snapshot()
		if err != nil {
			e.readers.unpin(txn.slot)
			return err
		}
		if snap.Meta().TxnID == m.TxnID {
			txn.snap, txn.id = snap, m.TxnID
			txn.loadMain(m.Main)
			return nil
		}
		snap.Release()
	}
}

// loadMain installs the main tree and forgets every named table so they
// are reloaded from the new snapshot on first use.
func (txn *Txn) loadMain(main storage.Tree) {
	if len(txn.dbs) < CoreDBs {
		txn.dbs = append(txn.dbs, make([]*txnDB, CoreDBs-len(txn.dbs))...)
	}
	for _, tdb := range txn.dbs {
		if tdb != nil {
			tdb.slot = nil
		}
	}
	if txn.dbs[MainDBI] == nil {
		txn.dbs[MainDBI] = &txnDB{}
	}
	*txn.dbs[MainDBI] = txnDB{slot: txn.env.slot(MainDBI), tree: main, state: DBIStateFresh}
}

// Env returns the transaction's environment.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the transaction ID: the snapshot of a read-only transaction,
// or the id a read-write transaction commits under.
func (txn *Txn) ID() uint64 {
	return txn.id
}

// IsReadOnly returns true if this is a read-only transaction.
func (txn *Txn) IsReadOnly() bool {
	return txn.flags&TxnReadOnly != 0
}

// TxnFlags returns the flags the transaction was started with.
func (txn *Txn) TxnFlags() TxnFlags {
	return txn.flags
}

// SetUserCtx attaches an arbitrary value to the transaction.
func (txn *Txn) SetUserCtx(ctx any) {
	txn.userCtx = ctx
}

// UserCtx returns the value set by SetUserCtx.
func (txn *Txn) UserCtx() any {
	return txn.userCtx
}

func (txn *Txn) checkThread() error {
	if txn.env.flags&StickyThreads != 0 && platform.ThreadIDs && platform.Gettid() != txn.tid {
		return NewError(ErrThreadMismatch)
	}
	return nil
}

// usable checks the transaction can run an operation.
func (txn *Txn) usable() error {
	if txn == nil || txn.env == nil {
		return NewError(ErrBadTxn)
	}
	if err := txn.checkThread(); err != nil {
		return err
	}
	switch txn.state {
	case txnBegun:
	case txnParked:
		if !txn.autoUnpark {
			return NewError(ErrBadTxn)
		}
		if err := txn.Unpark(false); err != nil {
			return err
		}
	default:
		return NewError(ErrBadTxn)
	}
	if txn.child != nil {
		return NewError(ErrBadTxn)
	}
	if err := txn.env.opened(); err != nil {
		return err
	}
	if txn.slot >= 0 && !txn.env.readers.pinned(txn.slot, txn.id) {
		return NewError(ErrOusted)
	}
	return nil
}

// writable checks the transaction can modify data.
func (txn *Txn) writable() error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return NewError(ErrPermissionDenied)
	}
	return nil
}

// fail translates err and marks the transaction broken when a modification
// failed halfway.
func (txn *Txn) fail(err error) error {
	err = txn.env.check(err)
	switch Code(err).Kind() {
	case KindCapacity, KindIntegrity, KindResource:
		if txn.w != nil {
			txn.state = txnBroken
		}
	}
	return err
}

func (txn *Txn) source() storage.Source {
	if txn.w != nil {
		return txn.w
	}
	return txn.snap
}

// meta returns the meta the transaction reads, with the pending state of a
// write transaction folded in.
func (txn *Txn) meta() storage.Meta {
	if txn.w == nil {
		return txn.snap.Meta()
	}
	m := txn.w.Base()
	m.TxnID = txn.id
	m.NextPgno = txn.w.NextPgno()
	m.Geo = txn.w.Geometry()
	m.Main = txn.dbs[MainDBI].tree
	return m
}

// Commit commits the transaction. Committing a read-only transaction ends
// it. A broken transaction is aborted and Commit returns a ResultTrue
// error. The transaction cannot be used afterwards, whatever the outcome.
func (txn *Txn) Commit() (CommitLatency, error) {
	var lat CommitLatency
	if txn == nil || txn.env == nil {
		return lat, NewError(ErrBadTxn)
	}
	if err := txn.checkThread(); err != nil {
		return lat, err
	}
	switch txn.state {
	case txnBegun, txnParked:
	case txnBroken:
		txn.Abort()
		txn.env.metrics.rolledBack.Inc()
		return lat, NewError(ResultTrue)
	default:
		return lat, NewError(ErrBadTxn)
	}
	if txn.child != nil {
		if _, err := txn.child.Commit(); err != nil {
			txn.Abort()
			return lat, err
		}
	}
	if txn.IsReadOnly() {
		ousted := !txn.env.readers.pinned(txn.slot, txn.id)
		txn.env.metrics.readAborted.Inc()
		txn.end()
		if ousted {
			return lat, NewError(ErrOusted)
		}
		return lat, nil
	}
	if txn.parent != nil {
		txn.commitNested()
		return lat, nil
	}
	return txn.commitTop()
}

func (txn *Txn) commitNested() {
	p := txn.parent
	txn.w.CommitNested()
	for len(p.dbs) < len(txn.dbs) {
		p.dbs = append(p.dbs, nil)
	}
	for i, tdb := range txn.dbs {
		if tdb == nil {
			continue
		}
		if p.dbs[i] == nil {
			p.dbs[i] = &txnDB{}
		}
		*p.dbs[i] = *tdb
	}
	p.created = append(p.created, txn.created...)
	p.dropped = append(p.dropped, txn.dropped...)
	txn.end()
}

func (txn *Txn) commitTop() (CommitLatency, error) {
	var lat CommitLatency
	e := txn.env
	if err := txn.persistTables(); err != nil {
		txn.Abort()
		return lat, e.check(err)
	}
	ps := uint64(e.store.PageSize())
	dirty := uint64(txn.w.DirtyPages()) * ps
	retired := uint64(txn.w.RetiredPages())
	opts := txn.commitOptions(dirty)
	m, l, err := txn.w.Commit(txn.dbs[MainDBI].tree, opts)
	if err != nil {
		txn.Abort()
		return lat, e.check(err)
	}
	lat = CommitLatency(l)

	h := e.readers.header
	atomic.AddUint64(&h.retiredPages, retired)
	if m.Steady {
		e.markSynced()
	} else {
		atomic.AddUint64(&h.unsyncVolume, dirty)
	}
	e.lastTxnID.Store(m.TxnID)
	e.mapSize.Store(e.store.MapSize())
	e.metrics.writeCommitted.Inc()
	e.metrics.observeCommit(lat)
	txn.publishTables()
	txn.end()
	return lat, nil
}

// persistTables writes the descriptors of modified named tables into the
// main table.
func (txn *Txn) persistTables() error {
	for i := CoreDBs; i < len(txn.dbs); i++ {
		tdb := txn.dbs[i]
		if tdb == nil || tdb.slot == nil || tdb.dropped || tdb.state&DBIStateDirty == 0 {
			continue
		}
		if err := txn.writeRecord(tdb.slot.name, &tdb.tree); err != nil {
			return err
		}
	}
	return nil
}

// publishTables makes the handles of committed creations and deletions
// visible to the environment.
func (txn *Txn) publishTables() {
	e := txn.env
	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	for _, dbi := range txn.created {
		if slot := e.dbs[dbi]; slot != nil {
			slot.pending.Store(false)
		}
	}
	for _, dbi := range txn.dropped {
		if tdb := txn.dbs[dbi]; tdb != nil && tdb.dropped {
			e.dropSlot(dbi)
		}
	}
}

// commitOptions derives durability from the environment and transaction
// modes. A weak commit becomes steady once the auto-sync limits are hit.
func (txn *Txn) commitOptions(volume uint64) storage.CommitOptions {
	e := txn.env
	mode := e.flags & syncModeMask
	if txn.flags&TxnNoSync != 0 {
		mode |= SafeNoSync
	}
	if txn.flags&TxnNoMetaSync != 0 {
		mode |= NoMetaSync
	}
	opts := storage.CommitOptions{
		SyncData:    mode&SafeNoSync == 0,
		SyncMeta:    mode&NoMetaSync == 0,
		AllowShrink: e.flags&Exclusive != 0,
	}
	if !opts.SyncData && e.syncDueWith(volume) {
		opts.SyncData, opts.SyncMeta = true, true
		e.metrics.autoSyncs.Inc()
	}
	return opts
}

// Abort discards the transaction. It is safe to call on an ended
// transaction.
func (txn *Txn) Abort() {
	if txn == nil || txn.env == nil || txn.state == txnDone {
		return
	}
	if txn.child != nil {
		txn.child.Abort()
	}
	e := txn.env
	if txn.w != nil {
		txn.w.Abort()
		if len(txn.created) > 0 {
			e.dbMu.Lock()
			for _, dbi := range txn.created {
				e.dropSlot(dbi)
			}
			e.dbMu.Unlock()
		}
		if txn.parent == nil {
			e.metrics.writeAborted.Inc()
		}
	} else {
		e.metrics.readAborted.Inc()
	}
	txn.end()
}

// end releases what the transaction holds.
func (txn *Txn) end() {
	e := txn.env
	txn.closeCursors()
	switch {
	case txn.IsReadOnly():
		if txn.snap != nil {
			txn.snap.Release()
			txn.snap = nil
		}
		if txn.slot >= 0 && e.readers != nil {
			e.readers.release(txn.slot)
		}
		txn.slot = -1
		e.liveReaders.Add(-1)
		e.unregisterThread(txn)
	case txn.parent != nil:
		txn.parent.child = nil
	default:
		e.writer.Store(nil)
		e.unlockWriter()
		e.unregisterThread(txn)
	}
	txn.state = txnDone
}

// closeCursors detaches every cursor of the transaction. Cursors of a
// read-only transaction may be renewed later.
func (txn *Txn) closeCursors() {
	for _, c := range txn.cursors {
		c.detach()
	}
	txn.cursors = txn.cursors[:0]
}

// Reset releases the snapshot of a read-only transaction but keeps its
// reader slot, so Renew can start it again cheaply.
func (txn *Txn) Reset() error {
	if txn == nil || txn.env == nil || !txn.IsReadOnly() {
		return NewError(ErrBadTxn)
	}
	if err := txn.checkThread(); err != nil {
		return err
	}
	switch txn.state {
	case txnReset:
		return nil
	case txnBegun, txnParked:
	default:
		return NewError(ErrBadTxn)
	}
	txn.env.readers.unpin(txn.slot)
	txn.env.readers.retag(txn.slot, txn.tid)
	txn.snap.Release()
	txn.snap = nil
	txn.state = txnReset
	return nil
}

// Renew starts a reset read-only transaction on the newest snapshot. Its
// cursors stay bound but lose their position.
func (txn *Txn) Renew() error {
	if txn == nil || txn.env == nil || !txn.IsReadOnly() || txn.state != txnReset {
		return NewError(ErrBadTxn)
	}
	if err := txn.checkThread(); err != nil {
		return err
	}
	if err := txn.env.opened(); err != nil {
		return err
	}
	txn.env.readers.retag(txn.slot, txn.tid)
	if err := txn.pin(); err != nil {
		return txn.env.check(err)
	}
	txn.state = txnBegun
	for _, c := range txn.cursors {
		c.rebind()
	}
	return nil
}

// Park lets writers evict the read-only transaction without asking the
// slow-reader handler. With autoUnpark the next operation unparks it.
func (txn *Txn) Park(autoUnpark bool) error {
	if txn == nil || txn.env == nil || !txn.IsReadOnly() {
		return NewError(ErrBadTxn)
	}
	if err := txn.checkThread(); err != nil {
		return err
	}
	switch txn.state {
	case txnParked:
		return nil
	case txnBegun:
	default:
		return NewError(ErrBadTxn)
	}
	if !txn.env.readers.pinned(txn.slot, txn.id) {
		return NewError(ErrOusted)
	}
	txn.env.readers.park(txn.slot)
	txn.state = txnParked
	txn.autoUnpark = autoUnpark
	return nil
}

// Unpark resumes a parked transaction. If a writer evicted it meanwhile it
// fails with ErrOusted, or with restartIfOusted restarts it on the newest
// snapshot and returns a ResultTrue error.
func (txn *Txn) Unpark(restartIfOusted bool) error {
	if txn == nil || txn.env == nil || !txn.IsReadOnly() {
		return NewError(ErrBadTxn)
	}
	switch txn.state {
	case txnBegun:
		return nil
	case txnParked:
	default:
		return NewError(ErrBadTxn)
	}
	e := txn.env
	if e.readers.unpark(txn.slot, txn.tid, txn.id) {
		txn.state = txnBegun
		return nil
	}
	e.readers.retag(txn.slot, txn.tid)
	if !restartIfOusted {
		txn.state = txnBegun
		return NewError(ErrOusted)
	}
	txn.snap.Release()
	txn.snap = nil
	if err := txn.pin(); err != nil {
		txn.state = txnReset
		return e.check(err)
	}
	txn.state = txnBegun
	for _, c := range txn.cursors {
		c.rebind()
	}
	return NewError(ResultTrue)
}

// Break marks the transaction as failed: every later operation fails and
// Commit aborts it.
func (txn *Txn) Break() error {
	if txn == nil || txn.env == nil {
		return NewError(ErrBadTxn)
	}
	switch txn.state {
	case txnBroken:
		return nil
	case txnBegun, txnParked:
		if txn.child != nil {
			if err := txn.child.Break(); err != nil {
				return err
			}
		}
		txn.state = txnBroken
		return nil
	}
	return NewError(ErrBadTxn)
}

// tempCursor returns an unregistered cursor for a one-shot operation.
func (txn *Txn) tempCursor(dbi DBI) (*Cursor, error) {
	tdb, err := txn.table(dbi)
	if err != nil {
		return nil, err
	}
	return newCursor(txn, dbi, tdb), nil
}

// Get returns the value stored under key; for a table with duplicates, the
// first one. The slice is valid until the transaction ends or, in a
// read-write transaction, until the next modification.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return nil, err
	}
	_, v, err := c.Get(key, nil, Set)
	return v, err
}

// GetEx returns the value stored under key and the number of values the
// key has.
func (txn *Txn) GetEx(dbi DBI, key []byte) ([]byte, uint64, error) {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return nil, 0, err
	}
	_, v, err := c.Get(key, nil, Set)
	if err != nil {
		return nil, 0, err
	}
	n, err := c.Count()
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

// GetEqualOrGreater returns the first entry whose key is not less than
// key. exact reports whether the key matched.
func (txn *Txn) GetEqualOrGreater(dbi DBI, key []byte) (k, v []byte, exact bool, err error) {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return nil, nil, false, err
	}
	return c.Bound(key, nil, SetLowerbound)
}

// Put stores a key/value pair. See Cursor.Put for flags.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags PutFlags) error {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return err
	}
	return c.Put(key, value, flags)
}

// PutReserve stores a zeroed value of n bytes and returns it for the
// caller to fill in before the next modification.
func (txn *Txn) PutReserve(dbi DBI, key []byte, n int, flags PutFlags) ([]byte, error) {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return nil, err
	}
	if c.tdb.slot.flags&DupSort != 0 {
		return nil, NewError(ErrIncompatible)
	}
	if err := c.Put(key, make([]byte, n), flags); err != nil {
		return nil, err
	}
	v, err := c.sc.Value()
	if err != nil {
		return nil, txn.fail(err)
	}
	return v, nil
}

// Del deletes a key. For a table with duplicates a nil value deletes every
// value of the key and a non-nil one only that pair; otherwise value is
// ignored.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return err
	}
	if err := txn.writable(); err != nil {
		return err
	}
	dupSort := c.tdb.slot.flags&DupSort != 0
	if dupSort && value != nil {
		if _, _, err := c.Get(key, value, GetBoth); err != nil {
			return err
		}
		return c.Del(0)
	}
	if _, _, err := c.Get(key, nil, Set); err != nil {
		return err
	}
	if dupSort {
		return c.Del(AllDups)
	}
	return c.Del(0)
}

// Replace stores value under key and returns a copy of the value it
// replaces, or nil if the key was absent. A nil value deletes the key. In
// a table with duplicates the key must have at most one value, otherwise
// ErrMultiVal is returned.
func (txn *Txn) Replace(dbi DBI, key, value []byte, flags PutFlags) ([]byte, error) {
	c, err := txn.tempCursor(dbi)
	if err != nil {
		return nil, err
	}
	if err := txn.writable(); err != nil {
		return nil, err
	}
	_, old, err := c.Get(key, nil, Set)
	switch {
	case IsNotFound(err):
		if value == nil {
			return nil, err
		}
		return nil, c.Put(key, value, flags)
	case err != nil:
		return nil, err
	}
	if c.tdb.slot.flags&DupSort != 0 {
		n, err := c.Count()
		if err != nil {
			return nil, err
		}
		if n > 1 {
			return nil, NewError(ErrMultiVal)
		}
	}
	if flags&NoOverwrite != 0 {
		return bytes.Clone(old), NewError(ErrKeyExist)
	}
	old = bytes.Clone(old)
	if value == nil {
		return old, c.Del(0)
	}
	return old, c.Put(key, value, Current|flags&^AllDups)
}

// IsDirty reports whether b points into a page this write transaction
// modified. Such memory changes with later modifications.
func (txn *Txn) IsDirty(b []byte) (bool, error) {
	if err := txn.usable(); err != nil {
		return false, err
	}
	if txn.w == nil {
		return false, nil
	}
	return txn.w.OwnsBuffer(b), nil
}

// TxInfo contains transaction information.
type TxInfo struct {
	ID             uint64
	ReaderLag      uint64 // Commits since the snapshot, or since the oldest reader for a writer
	SpaceUsed      uint64
	SpaceLimitSoft uint64
	SpaceLimitHard uint64
	SpaceRetired   uint64
	SpaceLeftover  uint64
	SpaceDirty     uint64
}

// Info returns information about the transaction. For a write transaction
// scanReaders computes the lag of the oldest reader.
func (txn *Txn) Info(scanReaders bool) (*TxInfo, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	e := txn.env
	ps := uint64(e.store.PageSize())
	m := txn.meta()
	info := &TxInfo{
		ID:             txn.id,
		SpaceUsed:      uint64(m.NextPgno) * ps,
		SpaceLimitSoft: uint64(m.Geo.Now) * ps,
		SpaceLimitHard: uint64(m.Geo.Upper) * ps,
	}
	if m.Geo.Now > uint32(m.NextPgno) {
		info.SpaceLeftover = uint64(m.Geo.Now-uint32(m.NextPgno)) * ps
	}
	if txn.w != nil {
		info.SpaceRetired = uint64(txn.w.RetiredPages()) * ps
		info.SpaceDirty = uint64(txn.w.DirtyPages()) * ps
		if scanReaders {
			if oldest := e.readers.oldest(); oldest != 0 && oldest < txn.id {
				info.ReaderLag = txn.id - oldest
			}
		}
		return info, nil
	}
	head, err := e.store.Recent()
	if err != nil {
		return nil, e.check(err)
	}
	if head.TxnID > txn.id {
		info.ReaderLag = head.TxnID - txn.id
	}
	if head.PagesRetired > m.PagesRetired {
		info.SpaceRetired = (head.PagesRetired - m.PagesRetired) * ps
	}
	return info, nil
}
