package sdbx

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/Giulio2002/sdbx/mmap"
)

// cachedPID is the process ID, cached at init to avoid syscall overhead
var cachedPID = uint32(os.Getpid())

// Constants for lock file
const (
	// lockMagic for lock file validation
	lockMagic uint64 = (0x59659DBDEF4C11 << 8) + 2

	// defaultMaxReaders is the default number of reader slots
	defaultMaxReaders = 126

	// maxReadersLimit bounds SetMaxReaders
	maxReadersLimit = 32767

	// readerSlotSize is the size of each reader slot
	readerSlotSize = 32

	// lockHeaderSize is the size of the lock file header
	lockHeaderSize = 256
)

// readerSlot is one reader in the lock file. A slot is owned by the process
// whose pid it carries; txnid is the snapshot it pins, 0 when idle.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     txnid (atomic)
//	8       8     tid (thread ID, atomic)
//	16      4     pid (process ID, atomic)
//	20      4     snapshot_pages_used (atomic)
//	24      8     snapshot_pages_retired (atomic)
type readerSlot struct {
	txnid                uint64
	tid                  uint64
	pid                  uint32
	snapshotPagesUsed    uint32
	snapshotPagesRetired uint64
}

// Special tid values. A parked reader may be evicted by a writer without
// asking the slow-reader handler; an ousted one was evicted.
const (
	tidParked uint64 = 0xFFFFFFFFFFFFFFFF
	tidOusted uint64 = 0xFFFFFFFFFFFFFFFF - 1
)

// lockHeader is the lock file header.
type lockHeader struct {
	magicAndVersion   uint64 // Magic + version
	envMode           uint32 // Sync mode established by the first opener
	maxReaders        uint32 // Slots following the header
	unsyncVolume      uint64 // Bytes committed since the last steady commit
	lastSyncTime      int64  // Unix nanos of the last steady commit
	autosyncThreshold uint64 // Bytes before auto-sync
	autosyncPeriod    int64  // Nanos before auto-sync
	numReaders        uint32 // High-water mark of used slots
	_                 uint32
	retiredPages      uint64 // Pages retired by all commits
}

// readerTable manages the lock file and its reader slots.
type readerTable struct {
	file       *platform.File
	m          *mmap.Map
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	sole       bool // the only process holding the environment at open
	lockless   bool // in-memory slots for read-only access without a lock file

	// Slot freelist for fast acquisition (LIFO stack)
	freeSlots []int32
	freeMu    sync.Mutex
}

// openReaderTable opens or creates the lock file at path and takes the
// presence lock. exclusive forbids other processes; the first opener
// initializes the slots.
func openReaderTable(path string, maxReaders int, readOnly, exclusive bool, mode os.FileMode) (*readerTable, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	f, err := platform.Open(path, false, !readOnly, mode)
	if err != nil {
		if readOnly {
			return openLocklessTable(maxReaders), nil
		}
		return nil, err
	}
	rt := &readerTable{file: f, maxReaders: maxReaders}

	switch err := f.Lock(platform.LockExclusive, true); {
	case err == nil:
		rt.sole = true
	case err == platform.ErrWouldBlock:
		if exclusive {
			f.Close()
			return nil, NewError(ErrBusy)
		}
		if err := f.Lock(platform.LockShared, false); err != nil {
			f.Close()
			return nil, err
		}
	default:
		f.Close()
		return nil, err
	}

	if rt.sole {
		err = rt.initialize()
	} else {
		err = rt.attach()
	}
	if err == nil && rt.sole && !exclusive {
		err = f.Lock(platform.LockShared, false)
	}
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// openLocklessTable returns a table whose slots live in process memory.
// Readers of other processes are invisible to it.
func openLocklessTable(maxReaders int) *readerTable {
	rt := &readerTable{maxReaders: maxReaders, lockless: true}
	rt.slots = make([]readerSlot, maxReaders)
	rt.header = &lockHeader{magicAndVersion: lockMagic, maxReaders: uint32(maxReaders)}
	return rt
}

// initialize resets the lock file. Only the sole owner may do this: any
// slot left behind belongs to a dead process.
func (rt *readerTable) initialize() error {
	size := int64(lockHeaderSize + rt.maxReaders*readerSlotSize)
	if err := rt.file.Resize(0); err != nil {
		return err
	}
	if err := rt.file.Resize(size); err != nil {
		return err
	}
	if err := rt.mmap(size); err != nil {
		return err
	}
	rt.header.maxReaders = uint32(rt.maxReaders)
	atomic.StoreInt64(&rt.header.lastSyncTime, 0)
	atomic.StoreUint64(&rt.header.magicAndVersion, lockMagic)
	return rt.m.Sync()
}

// attach maps a lock file initialized by another process.
func (rt *readerTable) attach() error {
	size, err := rt.file.Size()
	if err != nil {
		return err
	}
	if size < lockHeaderSize+readerSlotSize {
		return WrapError(ErrInvalid, errLockInvalidFile)
	}
	if err := rt.mmap(size); err != nil {
		return err
	}
	if atomic.LoadUint64(&rt.header.magicAndVersion) != lockMagic {
		return WrapError(ErrVersionMismatch, errLockInvalidFile)
	}
	rt.maxReaders = min(int(rt.header.maxReaders), len(rt.slots))
	rt.slots = rt.slots[:rt.maxReaders]
	return nil
}

// mmap memory-maps the lock file.
func (rt *readerTable) mmap(size int64) error {
	m, err := rt.file.MapWritable(size)
	if err != nil {
		return err
	}
	data := m.Data()
	rt.m = m
	rt.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	slotData := data[lockHeaderSize:]
	numSlots := len(slotData) / readerSlotSize
	rt.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

// close unmaps the lock file and drops the presence lock.
func (rt *readerTable) close() error {
	var firstErr error
	if rt.m != nil {
		// The header carries the sync bookkeeping for the next opener.
		firstErr = rt.m.SyncRange(0, min(lockHeaderSize, rt.m.Size()))
		if err := rt.m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.m = nil
		rt.header = nil
		rt.slots = nil
	}
	if rt.file != nil {
		if err := rt.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.file = nil
	}
	return firstErr
}

// claimSole reports whether this process is now the only one holding the
// environment. The presence lock is left exclusive on success.
func (rt *readerTable) claimSole() bool {
	if rt.lockless || rt.file == nil {
		return false
	}
	return rt.file.Lock(platform.LockExclusive, true) == nil
}

// acquire claims a free slot for the calling thread.
func (rt *readerTable) acquire(tid uint64) (int, error) {
	rt.freeMu.Lock()
	for len(rt.freeSlots) > 0 {
		idx := rt.freeSlots[len(rt.freeSlots)-1]
		rt.freeSlots = rt.freeSlots[:len(rt.freeSlots)-1]
		if rt.claim(int(idx), tid) {
			rt.freeMu.Unlock()
			return int(idx), nil
		}
	}
	rt.freeMu.Unlock()

	for i := range rt.slots {
		if atomic.LoadUint32(&rt.slots[i].pid) == 0 && rt.claim(i, tid) {
			return i, nil
		}
	}
	return -1, NewError(ErrReadersFull)
}

func (rt *readerTable) claim(idx int, tid uint64) bool {
	slot := &rt.slots[idx]
	if !atomic.CompareAndSwapUint32(&slot.pid, 0, cachedPID) {
		return false
	}
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, tid)
	for {
		n := atomic.LoadUint32(&rt.header.numReaders)
		if uint32(idx) < n || atomic.CompareAndSwapUint32(&rt.header.numReaders, n, uint32(idx)+1) {
			return true
		}
	}
}

// publish pins txnid in the slot.
func (rt *readerTable) publish(idx int, txnid uint64, pagesUsed uint32, pagesRetired uint64) {
	slot := &rt.slots[idx]
	atomic.StoreUint32(&slot.snapshotPagesUsed, pagesUsed)
	atomic.StoreUint64(&slot.snapshotPagesRetired, pagesRetired)
	atomic.StoreUint64(&slot.txnid, txnid)
}

// unpin keeps the slot but stops pinning a snapshot.
func (rt *readerTable) unpin(idx int) {
	atomic.StoreUint64(&rt.slots[idx].txnid, 0)
}

// pinned reports whether the slot still pins txnid; false means the reader
// was evicted.
func (rt *readerTable) pinned(idx int, txnid uint64) bool {
	return atomic.LoadUint64(&rt.slots[idx].txnid) == txnid
}

// release frees the slot.
func (rt *readerTable) release(idx int) {
	slot := &rt.slots[idx]
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)

	rt.freeMu.Lock()
	rt.freeSlots = append(rt.freeSlots, int32(idx))
	rt.freeMu.Unlock()
}

// used returns the number of slots that may be in use.
func (rt *readerTable) used() int {
	return min(int(atomic.LoadUint32(&rt.header.numReaders)), len(rt.slots))
}

// oldest returns the oldest snapshot pinned by any reader, or 0.
func (rt *readerTable) oldest() uint64 {
	var oldest uint64
	for i := 0; i < rt.used(); i++ {
		txnid := atomic.LoadUint64(&rt.slots[i].txnid)
		if txnid != 0 && (oldest == 0 || txnid < oldest) {
			oldest = txnid
		}
	}
	return oldest
}

// active returns the count of slots pinning a snapshot.
func (rt *readerTable) active() int {
	count := 0
	for i := 0; i < rt.used(); i++ {
		if atomic.LoadUint64(&rt.slots[i].txnid) != 0 {
			count++
		}
	}
	return count
}

// readerSnapshot is an immutable copy of one slot.
type readerSnapshot struct {
	slot         int
	pid          uint32
	tid          uint64
	txnid        uint64
	pagesUsed    uint32
	pagesRetired uint64
}

// snapshot copies the occupied slots.
func (rt *readerTable) snapshot() []readerSnapshot {
	var out []readerSnapshot
	for i := 0; i < rt.used(); i++ {
		s := &rt.slots[i]
		pid := atomic.LoadUint32(&s.pid)
		if pid == 0 {
			continue
		}
		out = append(out, readerSnapshot{
			slot:         i,
			pid:          pid,
			tid:          atomic.LoadUint64(&s.tid),
			txnid:        atomic.LoadUint64(&s.txnid),
			pagesUsed:    atomic.LoadUint32(&s.snapshotPagesUsed),
			pagesRetired: atomic.LoadUint64(&s.snapshotPagesRetired),
		})
	}
	return out
}

// evict clears the slot if it still pins txnid. The owner notices on its
// next operation and fails with ErrOusted.
func (rt *readerTable) evict(idx int, txnid uint64) bool {
	slot := &rt.slots[idx]
	if !atomic.CompareAndSwapUint64(&slot.txnid, txnid, 0) {
		return false
	}
	atomic.StoreUint64(&slot.tid, tidOusted)
	return true
}

// retag stores the owner's tid, clearing a parked or ousted mark.
func (rt *readerTable) retag(idx int, tid uint64) {
	atomic.StoreUint64(&rt.slots[idx].tid, tid)
}

// park lets writers evict the slot's reader at will.
func (rt *readerTable) park(idx int) {
	atomic.StoreUint64(&rt.slots[idx].tid, tidParked)
}

// unpark restores the owner's tid and reports whether txnid is still
// pinned.
func (rt *readerTable) unpark(idx int, tid, txnid uint64) bool {
	slot := &rt.slots[idx]
	if !atomic.CompareAndSwapUint64(&slot.tid, tidParked, tid) {
		return false
	}
	return atomic.LoadUint64(&slot.txnid) == txnid
}

// ousted reports whether the slot was evicted.
func (rt *readerTable) ousted(idx int) bool {
	return atomic.LoadUint64(&rt.slots[idx].tid) == tidOusted
}

// cleanupStale frees slots of processes that no longer exist.
func (rt *readerTable) cleanupStale() int {
	cleaned := 0
	for i := 0; i < rt.used(); i++ {
		slot := &rt.slots[i]
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == cachedPID || platform.ProcessAlive(int(pid)) {
			continue
		}
		if atomic.CompareAndSwapUint32(&slot.pid, pid, 0) {
			atomic.StoreUint64(&slot.txnid, 0)
			atomic.StoreUint64(&slot.tid, 0)
			cleaned++
		}
	}
	return cleaned
}

// Lock file errors
var (
	errLockInvalidFile = &lockError{"invalid lock file", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
