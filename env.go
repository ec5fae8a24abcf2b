package sdbx

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/Giulio2002/sdbx/internal/storage"
)

// Default geometry, in bytes.
const (
	defaultSizeNow         = 1 << 20
	defaultSizeUpper       = 1 << 30
	defaultGrowthStep      = 1 << 20
	defaultShrinkThreshold = 4 << 20
	defaultMaxTables       = 128
	// DefaultSpillThreshold is the number of dirty pages a write transaction
	// keeps on the heap before moving page images to a scratch file.
	DefaultSpillThreshold = 1 << 16
)

type envState int

const (
	envCreated envState = iota
	envOpened
	envClosed
)

func (s envState) String() string {
	switch s {
	case envCreated:
		return "created"
	case envOpened:
		return "opened"
	default:
		return "closed"
	}
}

// Env is an environment: one data file, its lock file and the handles of
// the tables in it. An Env is created with NewEnv, configured, opened once
// and closed once; it cannot be reopened.
type Env struct {
	mu    sync.Mutex
	state envState

	flags    EnvFlags
	path     string
	dataPath string
	lockPath string

	geo        Geometry
	geoSet     bool
	maxReaders int
	maxTables  int
	cacheSize  int
	spillAfter int
	slow       atomic.Pointer[HandleSlowReadersFunc]
	log        Logger
	metrics    *envMetrics
	userCtx    atomic.Value

	syncBytes  atomic.Uint64
	syncPeriod atomic.Int64

	data       *platform.File
	store      *storage.Store
	readers    *readerTable
	registered bool

	// writeMu serializes writers of this process; the flock on the data
	// file serializes processes.
	writeMu sync.Mutex
	writer  atomic.Pointer[Txn]
	fatal   atomic.Bool

	liveReaders atomic.Int64
	mapSize     atomic.Int64
	lastTxnID   atomic.Uint64

	dbMu    sync.Mutex
	dbs     []*dbSlot
	dbNames *xsync.MapOf[string, DBI]

	// threadTxns holds the transaction each OS thread runs under StickyThreads.
	threadTxns *xsync.MapOf[uint64, *Txn]
}

// NewEnv creates a new environment handle.
func NewEnv() (*Env, error) {
	e := &Env{
		geo: Geometry{
			SizeLower:       -1,
			SizeNow:         -1,
			SizeUpper:       -1,
			GrowthStep:      -1,
			ShrinkThreshold: -1,
			PageSize:        -1,
		},
		maxReaders: defaultMaxReaders,
		maxTables:  defaultMaxTables,
		cacheSize:  storage.DefaultCacheSize,
		spillAfter: DefaultSpillThreshold,
		log:        DiscardLogger{},
		dbNames:    xsync.NewMapOf[string, DBI](),
		threadTxns: xsync.NewMapOf[uint64, *Txn](),
	}
	e.metrics = newEnvMetrics(e)
	return e, nil
}

// Size is a byte count used for geometry parameters.
type Size int64

// Geometry holds the size policy of the data file. A negative field keeps
// the default, or the persisted value for an existing file.
type Geometry struct {
	SizeLower       Size // Lower limit for datafile size
	SizeNow         Size // Current datafile size
	SizeUpper       Size // Upper limit for datafile size
	GrowthStep      Size // Growth step in bytes
	ShrinkThreshold Size // Free tail that triggers a shrink; 0 disables it
	PageSize        int  // Page size in bytes, used when the file is created
}

func (g Geometry) validate() error {
	if g.PageSize > 0 && !storage.ValidPageSize(g.PageSize) {
		return NewError(ErrInvalidArgument)
	}
	if g.SizeLower >= 0 && g.SizeUpper >= 0 && g.SizeLower > g.SizeUpper {
		return NewError(ErrInvalidArgument)
	}
	if g.SizeNow >= 0 && g.SizeUpper >= 0 && g.SizeNow > g.SizeUpper {
		return NewError(ErrInvalidArgument)
	}
	if g.ShrinkThreshold > 0 && g.GrowthStep > 0 && g.ShrinkThreshold <= g.GrowthStep {
		// Shrinking by less than a growth step would oscillate.
		return NewError(ErrInvalidArgument)
	}
	ps := g.PageSize
	if ps <= 0 {
		ps = DefaultPageSize
	}
	if g.SizeUpper > 0 && int64(g.SizeUpper) > MaxMapSize(ps) {
		return NewError(ErrTooLarge)
	}
	return nil
}

// pages converts the geometry to pages of ps bytes, taking unset fields
// from base.
func (g Geometry) pages(ps int, base storage.Geometry) storage.Geometry {
	conv := func(v Size, def uint32) uint32 {
		if v < 0 {
			return def
		}
		return uint32((int64(v) + int64(ps) - 1) / int64(ps))
	}
	out := storage.Geometry{
		Lower:  conv(g.SizeLower, base.Lower),
		Now:    conv(g.SizeNow, base.Now),
		Upper:  conv(g.SizeUpper, base.Upper),
		Grow:   conv(g.GrowthStep, base.Grow),
		Shrink: conv(g.ShrinkThreshold, base.Shrink),
	}
	out.Lower = max(out.Lower, NumMetas)
	out.Upper = min(max(out.Upper, out.Lower), MaxPageNo+1)
	out.Now = min(max(out.Now, out.Lower), out.Upper)
	return out
}

func defaultGeometry(ps int) storage.Geometry {
	return Geometry{
		SizeLower:       0,
		SizeNow:         defaultSizeNow,
		SizeUpper:       defaultSizeUpper,
		GrowthStep:      defaultGrowthStep,
		ShrinkThreshold: defaultShrinkThreshold,
	}.pages(ps, storage.Geometry{})
}

// SetGeometry sets the size policy. Before Open it configures the file;
// after Open it is applied by a write transaction and persisted.
func (e *Env) SetGeometry(sizeLower, sizeNow, sizeUpper, growthStep, shrinkThreshold int64, pageSize int) error {
	g := Geometry{
		SizeLower:       Size(sizeLower),
		SizeNow:         Size(sizeNow),
		SizeUpper:       Size(sizeUpper),
		GrowthStep:      Size(growthStep),
		ShrinkThreshold: Size(shrinkThreshold),
		PageSize:        pageSize,
	}
	if err := g.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	state := e.state
	if state == envCreated {
		e.geo, e.geoSet = g, true
	}
	e.mu.Unlock()

	switch state {
	case envCreated:
		return nil
	case envClosed:
		return NewError(ErrInvalidArgument)
	}
	if e.flags&ReadOnly != 0 {
		return NewError(ErrPermissionDenied)
	}
	txn, err := e.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		return err
	}
	ng := g.pages(e.store.PageSize(), txn.w.Geometry())
	if err := txn.w.SetGeometry(ng); err != nil {
		txn.Abort()
		return translate(err)
	}
	_, err = txn.Commit()
	if err == nil {
		e.log.Info("geometry changed", "lower", ng.Lower, "now", ng.Now, "upper", ng.Upper,
			"grow", ng.Grow, "shrink", ng.Shrink)
	}
	return err
}

// SetGeometryGeo sets database geometry using Geometry struct.
func (e *Env) SetGeometryGeo(geo Geometry) error {
	return e.SetGeometry(
		int64(geo.SizeLower),
		int64(geo.SizeNow),
		int64(geo.SizeUpper),
		int64(geo.GrowthStep),
		int64(geo.ShrinkThreshold),
		geo.PageSize,
	)
}

func (e *Env) beforeOpen(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != envCreated {
		return NewError(ErrInvalidArgument)
	}
	fn()
	return nil
}

// SetMaxReaders sets the number of reader slots. Must precede Open.
func (e *Env) SetMaxReaders(n int) error {
	if n < 1 || n > maxReadersLimit {
		return NewError(ErrInvalidArgument)
	}
	return e.beforeOpen(func() { e.maxReaders = n })
}

// SetMaxTables sets the number of named tables that can be open at once.
// Must precede Open.
func (e *Env) SetMaxTables(n int) error {
	if n < 0 || n > MaxDBI {
		return NewError(ErrInvalidArgument)
	}
	return e.beforeOpen(func() { e.maxTables = n })
}

// SetCacheSize sets the number of decoded pages kept in memory; 0 disables
// the cache. Must precede Open.
func (e *Env) SetCacheSize(pages int) error {
	if pages < 0 {
		return NewError(ErrInvalidArgument)
	}
	return e.beforeOpen(func() { e.cacheSize = pages })
}

// SetSpillThreshold sets how many dirty pages a write transaction keeps in
// memory before further page images go to a scratch file next to the data
// file. 0 keeps everything in memory. Must precede Open.
func (e *Env) SetSpillThreshold(pages int) error {
	if pages < 0 {
		return NewError(ErrInvalidArgument)
	}
	return e.beforeOpen(func() { e.spillAfter = pages })
}

// SetLogger sets the logger. Must precede Open.
func (e *Env) SetLogger(l Logger) error {
	if l == nil {
		l = DiscardLogger{}
	}
	return e.beforeOpen(func() { e.log = l })
}

// SetHandleSlowReaders installs the callback run when the writer cannot
// reclaim pages because of a lagging reader. nil removes it.
func (e *Env) SetHandleSlowReaders(fn HandleSlowReadersFunc) {
	if fn == nil {
		e.slow.Store(nil)
		return
	}
	e.slow.Store(&fn)
}

// SetSyncBytes sets the volume of unsynced commits after which a commit in
// a no-sync mode is made durable. 0 disables the threshold.
func (e *Env) SetSyncBytes(n uint64) error {
	e.syncBytes.Store(n)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == envOpened {
		atomic.StoreUint64(&e.readers.header.autosyncThreshold, n)
	}
	return nil
}

// SetSyncPeriod sets the age of the oldest unsynced commit after which a
// commit in a no-sync mode is made durable. 0 disables the period.
func (e *Env) SetSyncPeriod(d time.Duration) error {
	if d < 0 {
		return NewError(ErrInvalidArgument)
	}
	e.syncPeriod.Store(int64(d))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == envOpened {
		atomic.StoreInt64(&e.readers.header.autosyncPeriod, int64(d))
	}
	return nil
}

// SetUserCtx attaches an arbitrary value to the environment.
func (e *Env) SetUserCtx(ctx any) {
	e.userCtx.Store(&ctx)
}

// UserCtx returns the value set by SetUserCtx.
func (e *Env) UserCtx() any {
	if p, ok := e.userCtx.Load().(*any); ok {
		return *p
	}
	return nil
}

// Open opens the environment at path. Without NoSubdir path is an
// existing directory holding the data and lock files.
func (e *Env) Open(path string, flags EnvFlags, mode os.FileMode) (err error) {
	if flags&^envFlagsMask != 0 {
		return NewError(ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != envCreated {
		return NewError(ErrInvalidArgument)
	}
	if mode == 0 {
		mode = 0644
	}
	readOnly := flags&ReadOnly != 0
	exclusive := flags&Exclusive != 0

	e.path = path
	if flags&NoSubdir != 0 {
		e.dataPath = path
		e.lockPath = path + LockSuffix
	} else {
		fi, statErr := os.Stat(path)
		if statErr != nil {
			return translate(statErr)
		}
		if !fi.IsDir() {
			return NewError(ErrInvalidArgument)
		}
		e.dataPath = filepath.Join(path, DataFileName)
		e.lockPath = filepath.Join(path, LockFileName)
	}
	if abs, absErr := filepath.Abs(e.dataPath); absErr == nil {
		e.dataPath = abs
	}

	defer func() {
		if err != nil {
			e.release()
			err = translate(err)
		}
	}()

	shared, err := register(e.dataPath, exclusive)
	if err != nil {
		return err
	}
	e.registered = true
	if shared {
		e.log.Warn("environment opened twice in one process", "path", e.dataPath)
	}

	e.readers, err = openReaderTable(e.lockPath, e.maxReaders, readOnly, exclusive, mode)
	if err != nil {
		return err
	}
	if err := e.establishMode(&flags); err != nil {
		return err
	}
	e.flags = flags

	e.data, err = platform.Open(e.dataPath, readOnly, !readOnly, mode)
	if err != nil {
		return err
	}
	ps := e.geo.PageSize
	if ps <= 0 {
		ps = DefaultPageSize
	}
	e.store, err = storage.Open(e.data, storage.Options{
		PageSize:   ps,
		Geometry:   e.geo.pages(ps, defaultGeometry(ps)),
		ReadOnly:   readOnly,
		CacheSize:  e.cacheSize,
		SpillPath:  e.dataPath + "-spill",
		SpillAfter: e.spillAfter,
	})
	if err != nil {
		return err
	}
	head, err := e.store.Recent()
	if err != nil {
		return err
	}
	if e.store.Recovered() {
		e.log.Warn("rolled back to the last steady commit", "path", e.dataPath, "txnid", head.TxnID)
	}

	e.dbs = make([]*dbSlot, CoreDBs, CoreDBs+e.maxTables)
	e.dbs[FreeDBI] = &dbSlot{open: true}
	e.dbs[MainDBI] = newDBSlot("", TableFlags(head.Main.Flags), nil, nil)
	e.mapSize.Store(e.store.MapSize())
	e.lastTxnID.Store(head.TxnID)
	e.state = envOpened

	if e.geoSet && !readOnly && head.TxnID > 1 {
		if err := e.applyGeometry(head); err != nil {
			e.state = envCreated
			return err
		}
	}
	e.log.Info("environment opened", "path", e.dataPath, "txnid", head.TxnID,
		"pagesize", e.store.PageSize(), "sole", e.readers.sole, "mode", uint(flags&syncModeMask))
	return nil
}

// establishMode checks the sync mode against the one recorded by the first
// opener. Under Accede the recorded mode is adopted.
func (e *Env) establishMode(flags *EnvFlags) error {
	rt := e.readers
	want := *flags & syncModeMask
	if rt.lockless {
		return nil
	}
	if rt.sole {
		atomic.StoreUint32(&rt.header.envMode, uint32(want))
		atomic.StoreUint64(&rt.header.autosyncThreshold, e.syncBytes.Load())
		atomic.StoreInt64(&rt.header.autosyncPeriod, e.syncPeriod.Load())
		return nil
	}
	if *flags&ReadOnly != 0 {
		return nil
	}
	have := EnvFlags(atomic.LoadUint32(&rt.header.envMode))
	if have == want {
		return nil
	}
	if *flags&Accede == 0 {
		return NewError(ErrIncompatible)
	}
	e.log.Info("adopting established sync mode", "requested", uint(want), "established", uint(have))
	*flags = *flags&^syncModeMask | have
	return nil
}

// applyGeometry persists an explicitly set geometry for an existing file.
// Other processes keep their view, so it is only done by the sole owner;
// under Accede the persisted geometry is adopted silently.
func (e *Env) applyGeometry(head storage.Meta) error {
	want := e.geo.pages(e.store.PageSize(), head.Geo)
	if want == head.Geo {
		return nil
	}
	if !e.readers.sole && e.flags&Exclusive == 0 {
		if e.flags&Accede != 0 {
			e.log.Info("keeping established geometry", "upper", head.Geo.Upper)
			return nil
		}
		return NewError(ErrIncompatible)
	}
	e.mu.Unlock()
	defer e.mu.Lock()
	txn, err := e.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		return err
	}
	if err := txn.w.SetGeometry(want); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

// release frees everything Open acquired.
func (e *Env) release() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.store != nil {
		keep(e.store.Close())
		e.store, e.data = nil, nil
	} else if e.data != nil {
		keep(e.data.Close())
		e.data = nil
	}
	if e.readers != nil {
		keep(e.readers.close())
		e.readers = nil
	}
	if e.registered {
		unregister(e.dataPath)
		e.registered = false
	}
	return firstErr
}

// Close closes the environment. It fails with ErrBusy while a write
// transaction is active; otherwise the map is released even if an error is
// returned. Unless dontSync is set, weak commits are made durable first.
func (e *Env) Close(dontSync ...bool) error {
	// A writer holds writeMu from begin to end; holding it here keeps
	// writers from starting while the files are released.
	if !e.writeMu.TryLock() {
		return NewError(ErrBusy)
	}
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case envCreated:
		e.state = envClosed
		return nil
	case envClosed:
		return nil
	}
	if e.writer.Load() != nil {
		return NewError(ErrBusy)
	}

	var firstErr error
	if e.flags&ReadOnly == 0 && !e.fatal.Load() {
		skipSync := len(dontSync) > 0 && dontSync[0]
		sole := e.flags&Exclusive != 0 || e.readers.claimSole()
		if err := e.finalCommit(!skipSync, sole); err != nil {
			firstErr = err
		}
	}
	if n := e.liveReaders.Load(); n > 0 {
		e.log.Warn("closing with live read transactions", "count", n)
	}
	if err := e.release(); err != nil && firstErr == nil {
		firstErr = translate(err)
	}
	e.state = envClosed
	e.log.Info("environment closed", "path", e.dataPath)
	return firstErr
}

// finalCommit makes weak commits durable and shrinks the file when this
// process is the only one using it. The caller holds writeMu and e.mu.
func (e *Env) finalCommit(sync, allowShrink bool) error {
	head, err := e.store.Recent()
	if err != nil {
		return translate(err)
	}
	weak := !head.Steady
	shrink := allowShrink && head.Geo.Shrink > 0 && head.Geo.Now > uint32(head.NextPgno) &&
		head.Geo.Now-uint32(head.NextPgno) >= head.Geo.Shrink
	if !(sync && weak) && !shrink {
		return nil
	}
	if err := e.lockFile(false); err != nil {
		return err
	}
	defer e.unlockFile()
	w, err := e.store.Begin(storage.Hooks{Oldest: e.oldestReader})
	if err != nil {
		return translate(err)
	}
	m, _, err := w.Commit(w.Base().Main, storage.CommitOptions{
		SyncData:    sync || !weak,
		SyncMeta:    sync || !weak,
		Force:       true,
		AllowShrink: allowShrink,
	})
	if err != nil {
		return translate(err)
	}
	if m.Geo.Now != head.Geo.Now {
		e.log.Info("file shrunk", "from", head.Geo.Now, "to", m.Geo.Now)
	}
	if m.Steady {
		e.markSynced()
	}
	return nil
}

// lockWriter takes the writer lock of this process and of the file. Close
// holds writeMu while it releases the files, so the state is checked again
// once writeMu is held.
func (e *Env) lockWriter(try bool) error {
	if try {
		if !e.writeMu.TryLock() {
			return NewError(ErrBusy)
		}
	} else {
		e.writeMu.Lock()
	}
	if err := e.opened(); err != nil {
		e.writeMu.Unlock()
		return err
	}
	if err := e.lockFile(try); err != nil {
		e.writeMu.Unlock()
		return err
	}
	return nil
}

func (e *Env) unlockWriter() {
	e.unlockFile()
	e.writeMu.Unlock()
}

// lockFile takes the writer flock of the data file. The caller holds writeMu.
func (e *Env) lockFile(try bool) error {
	if e.flags&Exclusive != 0 {
		return nil
	}
	if err := e.data.Lock(platform.LockExclusive, try); err != nil {
		return translate(err)
	}
	return nil
}

func (e *Env) unlockFile() {
	if e.flags&Exclusive != 0 {
		return
	}
	if err := e.data.Unlock(); err != nil {
		e.log.Error("releasing writer lock", "err", err)
	}
}

// opened returns an error unless the environment is open and healthy.
func (e *Env) opened() error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != envOpened {
		return NewError(ErrBadTxn)
	}
	if e.fatal.Load() {
		return NewError(ErrPanic)
	}
	return nil
}

// check latches integrity failures: once the file is known to be corrupt
// every later transaction fails with ErrPanic.
func (e *Env) check(err error) error {
	if err == nil {
		return nil
	}
	err = translate(err)
	if IsFatal(err) && !e.fatal.Swap(true) {
		e.log.Error("environment is corrupted", "path", e.dataPath, "err", err)
	}
	return err
}

func (e *Env) oldestReader() uint64 {
	return e.readers.oldest()
}

// Path returns the path the environment was opened with.
func (e *Env) Path() string {
	return e.path
}

// Flags returns the flags the environment runs with. Under Accede they may
// differ from the requested ones.
func (e *Env) Flags() EnvFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// MaxReaders returns the number of reader slots.
func (e *Env) MaxReaders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readers != nil {
		return e.readers.maxReaders
	}
	return e.maxReaders
}

// MaxTables returns the number of named tables the environment allows.
func (e *Env) MaxTables() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxTables
}

// FD returns the descriptor of the data file.
func (e *Env) FD() (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		return 0, NewError(ErrInvalidArgument)
	}
	return uintptr(e.data.Fd()), nil
}

// MaxKeySize returns the largest key a table with flags accepts.
func (e *Env) MaxKeySize(flags TableFlags) int {
	ps := DefaultPageSize
	if e.store != nil {
		ps = e.store.PageSize()
	} else if e.geo.PageSize > 0 {
		ps = e.geo.PageSize
	}
	return storage.MaxKeySize(ps, flags&DupSort != 0)
}

// MaxValSize returns the largest value a table with flags accepts.
func (e *Env) MaxValSize(flags TableFlags) int {
	ps := DefaultPageSize
	if e.store != nil {
		ps = e.store.PageSize()
	} else if e.geo.PageSize > 0 {
		ps = e.geo.PageSize
	}
	return storage.MaxValueSize(ps, flags&DupSort != 0)
}

// MaxMapSize returns the largest map size for a page size.
func MaxMapSize(pageSize int) int64 {
	return int64(pageSize) * (int64(MaxPageNo) + 1)
}

// MaxTxnSize returns the largest volume one transaction can write.
func MaxTxnSize(pageSize int) int64 {
	return MaxMapSize(pageSize) - int64(NumMetas)*int64(pageSize)
}

// Sync makes weak commits durable. Without force it only does so once the
// auto-sync threshold or period is exceeded. nonblock fails with ErrBusy
// instead of waiting for a writer.
func (e *Env) Sync(force, nonblock bool) error {
	if err := e.opened(); err != nil {
		return err
	}
	if e.flags&ReadOnly != 0 {
		return NewError(ErrPermissionDenied)
	}
	if !force && !e.syncDue() {
		return nil
	}
	head, err := e.store.Recent()
	if err != nil {
		return e.check(err)
	}
	if head.Steady {
		return nil
	}
	if err := e.lockWriter(nonblock); err != nil {
		return err
	}
	defer e.unlockWriter()
	if e.writer.Load() != nil {
		return NewError(ErrBusy)
	}
	w, err := e.store.Begin(storage.Hooks{Oldest: e.oldestReader})
	if err != nil {
		return e.check(err)
	}
	m, _, err := w.Commit(w.Base().Main, storage.CommitOptions{SyncData: true, SyncMeta: true, Force: true})
	if err != nil {
		return e.check(err)
	}
	e.lastTxnID.Store(m.TxnID)
	e.markSynced()
	return nil
}

func (e *Env) syncDue() bool {
	return e.syncDueWith(0)
}

// syncDueWith reports whether the auto-sync limits are exceeded once extra
// more bytes are committed weakly.
func (e *Env) syncDueWith(extra uint64) bool {
	h := e.readers.header
	unsynced := atomic.LoadUint64(&h.unsyncVolume) + extra
	if unsynced == 0 {
		return false
	}
	if n := atomic.LoadUint64(&h.autosyncThreshold); n > 0 && unsynced >= n {
		return true
	}
	if p := atomic.LoadInt64(&h.autosyncPeriod); p > 0 {
		last := atomic.LoadInt64(&h.lastSyncTime)
		return time.Since(time.Unix(0, last)) >= time.Duration(p)
	}
	return false
}

func (e *Env) markSynced() {
	h := e.readers.header
	atomic.StoreUint64(&h.unsyncVolume, 0)
	atomic.StoreInt64(&h.lastSyncTime, time.Now().UnixNano())
}

// ReaderCheck frees the slots of readers whose process is gone.
func (e *Env) ReaderCheck() (int, error) {
	if err := e.opened(); err != nil {
		return 0, err
	}
	n := e.readers.cleanupStale()
	if n > 0 {
		e.metrics.staleCleaned.Add(n)
		e.log.Info("cleared stale readers", "count", n)
	}
	return n, nil
}

// ReaderInfo describes one occupied reader slot.
type ReaderInfo struct {
	Slot  int
	PID   int
	TID   uint64
	TxnID uint64 // 0 for a reset transaction
	// Lag is the number of commits since the reader's snapshot.
	Lag uint64
	// BytesUsed is the size of the reader's snapshot.
	BytesUsed uint64
	// BytesRetained is the space retired since the snapshot that the
	// reader keeps from being reused.
	BytesRetained uint64
	Ousted        bool
	Parked        bool
}

// ReaderList returns the occupied reader slots.
func (e *Env) ReaderList() ([]ReaderInfo, error) {
	if err := e.opened(); err != nil {
		return nil, err
	}
	head, err := e.store.Recent()
	if err != nil {
		return nil, e.check(err)
	}
	var out []ReaderInfo
	for _, r := range e.readers.snapshot() {
		out = append(out, e.readerInfo(r, head))
	}
	return out, nil
}

func (e *Env) readerInfo(r readerSnapshot, head storage.Meta) ReaderInfo {
	ps := uint64(e.store.PageSize())
	info := ReaderInfo{
		Slot:      r.slot,
		PID:       int(r.pid),
		TID:       r.tid,
		TxnID:     r.txnid,
		BytesUsed: uint64(r.pagesUsed) * ps,
		Ousted:    r.tid == tidOusted,
		Parked:    r.tid == tidParked,
	}
	if info.Ousted || info.Parked {
		info.TID = 0
	}
	if r.txnid != 0 && head.TxnID > r.txnid {
		info.Lag = head.TxnID - r.txnid
		if head.PagesRetired > r.pagesRetired {
			info.BytesRetained = (head.PagesRetired - r.pagesRetired) * ps
		}
	}
	return info
}

// SlowReaderAction is the answer of a HandleSlowReadersFunc.
type SlowReaderAction int

const (
	// SlowReaderFail gives up: the allocation fails with ErrMapFull.
	SlowReaderFail SlowReaderAction = -1
	// SlowReaderRetry retries the allocation; the handler made the reader
	// finish by other means.
	SlowReaderRetry SlowReaderAction = 0
	// SlowReaderEvict evicts the reader and retries. The reader's next
	// operation fails with ErrOusted.
	SlowReaderEvict SlowReaderAction = 1
)

// SlowReader is an immutable description of the reader that keeps the
// writer from reclaiming pages.
type SlowReader struct {
	ReaderInfo
	// WriterTxnID is the id of the write transaction that is stalled.
	WriterTxnID uint64
	// Retry counts the handler calls for this allocation.
	Retry int
}

// HandleSlowReadersFunc is called on the writer's goroutine when the map is
// full and retired pages are held by a lagging reader.
type HandleSlowReadersFunc func(env *Env, reader SlowReader) SlowReaderAction

// maxSlowReaderRetries bounds SlowReaderRetry answers for one allocation.
const maxSlowReaderRetries = 64

// stalled is the writer's hook into the slow-reader handler.
func (e *Env) stalled(writer uint64, oldest uint64, retry int) bool {
	if n := e.readers.cleanupStale(); n > 0 {
		e.metrics.staleCleaned.Add(n)
		e.log.Info("cleared stale readers", "count", n)
		return true
	}
	head, err := e.store.Recent()
	if err != nil {
		return false
	}
	var (
		victim readerSnapshot
		found  bool
	)
	for _, r := range e.readers.snapshot() {
		if r.txnid == oldest {
			victim, found = r, true
			break
		}
	}
	if !found {
		// The reader finished meanwhile.
		return true
	}
	if victim.tid == tidParked {
		if e.readers.evict(victim.slot, victim.txnid) {
			e.metrics.evictions.Inc()
			e.log.Info("evicted parked reader", "pid", victim.pid, "txnid", victim.txnid)
		}
		return true
	}
	fn := e.slow.Load()
	if fn == nil {
		return false
	}
	action := (*fn)(e, SlowReader{
		ReaderInfo:  e.readerInfo(victim, head),
		WriterTxnID: writer,
		Retry:       retry,
	})
	switch action {
	case SlowReaderEvict:
		if e.readers.evict(victim.slot, victim.txnid) {
			e.metrics.evictions.Inc()
			e.log.Warn("evicted slow reader", "pid", victim.pid, "tid", victim.tid,
				"txnid", victim.txnid, "lag", head.TxnID-victim.txnid)
		}
		return true
	case SlowReaderRetry:
		return retry < maxSlowReaderRetries
	default:
		return false
	}
}

// Stat returns statistics of the default table as of the last commit.
func (e *Env) Stat() (*Stat, error) {
	if err := e.opened(); err != nil {
		return nil, err
	}
	head, err := e.store.Recent()
	if err != nil {
		return nil, e.check(err)
	}
	return treeStat(e.store.PageSize(), &head.Main), nil
}

// EnvInfo describes an environment.
type EnvInfo struct {
	Geo struct {
		Lower   uint64 // Lower limit for datafile size
		Upper   uint64 // Upper limit for datafile size
		Current uint64 // Current datafile size
		Shrink  uint64 // Shrink threshold for datafile
		Grow    uint64 // Growth step for datafile
	}
	MapSize               int64 // Size of the data memory map
	LastPNO               int64 // ID of the last used page
	LastTxnID             int64 // ID of the last committed transaction
	LatterReaderTxnID     uint64
	SelfLatterReaderTxnID uint64
	Meta                  [NumMetas]MetaInfo
	MaxReaders            uint32
	NumReaders            uint32
	PageSize              uint32
	SystemPageSize        uint32
	UnsyncedBytes         uint64
	AutosyncThreshold     uint64
	AutosyncPeriod        time.Duration
	SinceSync             time.Duration
	Mode                  EnvFlags
	BootID                [16]byte
	Recovered             bool
}

// MetaInfo describes one of the rotating meta pages.
type MetaInfo struct {
	TxnID  uint64
	Steady bool
	Valid  bool
	BootID [16]byte
}

// Info returns information about the environment. With a transaction the
// figures describe its snapshot.
func (e *Env) Info(txn *Txn) (*EnvInfo, error) {
	if err := e.opened(); err != nil {
		return nil, err
	}
	var m storage.Meta
	if txn != nil {
		if err := txn.usable(); err != nil {
			return nil, err
		}
		m = txn.meta()
	} else {
		var err error
		if m, err = e.store.Recent(); err != nil {
			return nil, e.check(err)
		}
	}
	ps := uint64(e.store.PageSize())
	info := &EnvInfo{
		MapSize:        e.store.MapSize(),
		LastPNO:        int64(m.NextPgno) - 1,
		LastTxnID:      int64(m.TxnID),
		MaxReaders:     uint32(e.readers.maxReaders),
		NumReaders:     uint32(e.readers.used()),
		PageSize:       uint32(ps),
		SystemPageSize: uint32(os.Getpagesize()),
		Mode:           e.Flags(),
		BootID:         e.store.BootID(),
		Recovered:      e.store.Recovered(),
	}
	info.Geo.Lower = uint64(m.Geo.Lower) * ps
	info.Geo.Upper = uint64(m.Geo.Upper) * ps
	info.Geo.Current = uint64(m.Geo.Now) * ps
	info.Geo.Shrink = uint64(m.Geo.Shrink) * ps
	info.Geo.Grow = uint64(m.Geo.Grow) * ps

	oldest := e.readers.oldest()
	if oldest == 0 {
		oldest = m.TxnID
	}
	info.LatterReaderTxnID = oldest
	info.SelfLatterReaderTxnID = oldest
	for _, r := range e.readers.snapshot() {
		if r.pid == cachedPID && r.txnid != 0 && r.txnid < info.SelfLatterReaderTxnID {
			info.SelfLatterReaderTxnID = r.txnid
		}
	}
	for i, mi := range e.store.Metas() {
		info.Meta[i] = MetaInfo(mi)
	}

	h := e.readers.header
	info.UnsyncedBytes = atomic.LoadUint64(&h.unsyncVolume)
	info.AutosyncThreshold = atomic.LoadUint64(&h.autosyncThreshold)
	info.AutosyncPeriod = time.Duration(atomic.LoadInt64(&h.autosyncPeriod))
	if last := atomic.LoadInt64(&h.lastSyncTime); last > 0 {
		info.SinceSync = time.Since(time.Unix(0, last))
	}
	return info, nil
}
