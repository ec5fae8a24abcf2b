package storage

import (
	"sync"
	"sync/atomic"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/Giulio2002/sdbx/mmap"
	"github.com/Giulio2002/sdbx/spill"
)

// Options configures Open.
type Options struct {
	// PageSize is used when the file is created; existing files keep theirs.
	PageSize int
	// Geometry (in pages) is used when the file is created.
	Geometry Geometry
	ReadOnly bool
	// CacheSize is the number of decoded clean pages to keep; 0 disables it.
	CacheSize int
	// SpillPath names the scratch files dirty pages move to once a write
	// transaction holds SpillAfter of them. Empty or 0 keeps every dirty
	// page on the heap.
	SpillPath  string
	SpillAfter int
}

// Mapping is one memory mapping of the data file. Transactions pin the
// mapping they read through; it is unmapped when the last pin is released
// after a newer mapping replaced it.
type Mapping struct {
	m    *mmap.Map
	gen  uint32
	refs atomic.Int64
}

func (mp *Mapping) acquire() *Mapping {
	mp.refs.Add(1)
	return mp
}

// Release drops one pin.
func (mp *Mapping) Release() error {
	if mp.refs.Add(-1) == 0 {
		return mp.m.Close()
	}
	return nil
}

// Contains reports whether b points into this mapping.
func (mp *Mapping) Contains(b []byte) bool {
	return mp.m.Contains(b)
}

// Size returns the mapped length in bytes.
func (mp *Mapping) Size() int64 {
	return mp.m.Size()
}

// Store owns the data file: its mapping, meta pages and committed freelist.
type Store struct {
	io        platform.IO
	ps        int
	readOnly  bool
	bootID    [16]byte
	cache     *nodeCache
	recovered bool

	mu   sync.Mutex
	cur  *Mapping
	gens uint32

	// Owned by the single writer.
	flTxn      uint64
	flList     *Freelist
	spill      *spill.Buffer
	spillAfter int
}

// Open opens the store on io, initializing an empty file.
func Open(io platform.IO, opts Options) (*Store, error) {
	s := &Store{
		io:       io,
		readOnly: opts.ReadOnly,
		bootID:   platform.BootID(),
	}
	cache, err := newNodeCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache

	size, err := io.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if opts.ReadOnly {
			return nil, ErrInvalid
		}
		if err := s.initialize(opts); err != nil {
			return nil, err
		}
	}

	head, err := s.loadMetas()
	if err != nil {
		return nil, err
	}
	if err := s.ensureMapped(head.Geo.Upper); err != nil {
		return nil, err
	}
	if !opts.ReadOnly && opts.SpillPath != "" && opts.SpillAfter > 0 {
		s.spill = spill.New(opts.SpillPath, s.ps, 0)
		s.spillAfter = opts.SpillAfter
	}
	return s, nil
}

func (s *Store) initialize(opts Options) error {
	ps := opts.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if !ValidPageSize(ps) {
		return ErrBadPageSize
	}
	geo := opts.Geometry
	if geo.Now < NumMetas {
		geo.Now = NumMetas
	}
	if geo.Upper < geo.Now {
		return ErrTooLarge
	}
	s.ps = ps

	buf := make([]byte, NumMetas*ps)
	m := Meta{
		TxnID:        1,
		PageSize:     uint32(ps),
		Geo:          geo,
		NextPgno:     NumMetas,
		Main:         EmptyTree(0),
		FreelistPgno: InvalidPgno,
		Steady:       true,
		BootID:       s.bootID,
	}
	// Every slot starts with the same meta so the page size can be
	// recovered from any of them.
	for i := 0; i < NumMetas; i++ {
		m.encode(buf[i*ps:(i+1)*ps], i)
	}
	if err := s.io.Resize(int64(geo.Now) * int64(ps)); err != nil {
		return err
	}
	if _, err := s.io.WriteAt(buf, 0); err != nil {
		return err
	}
	return s.io.Flush(true)
}

// loadMetas reads the meta pages from the file, rolling back weak metas
// written before the last reboot.
func (s *Store) loadMetas() (Meta, error) {
	ps, err := s.probePageSize()
	if err != nil {
		return Meta{}, err
	}
	s.ps = ps

	buf := make([]byte, NumMetas*ps)
	if _, err := s.io.ReadAt(buf, 0); err != nil {
		return Meta{}, ErrInvalid
	}
	metas, errs := decodeMetas(buf, ps)
	head := pickMeta(metas, errs, false)
	if head < 0 {
		return Meta{}, ErrCorrupted
	}
	if metas[head].Steady || (metas[head].BootID == s.bootID && s.bootID != [16]byte{}) {
		return metas[head], nil
	}

	// The newest meta was never synced and the system rebooted since:
	// the pages it references may not have reached the disk.
	steady := pickMeta(metas, errs, true)
	if steady < 0 {
		return Meta{}, ErrCorrupted
	}
	if s.readOnly {
		return Meta{}, ErrWannaRecover
	}
	zero := make([]byte, 8)
	for i := range metas {
		if errs[i] == nil && metas[i].TxnID > metas[steady].TxnID {
			if _, err := s.io.WriteAt(zero, int64(i*ps+metaOffTxnB)); err != nil {
				return Meta{}, err
			}
		}
	}
	if err := s.io.Flush(true); err != nil {
		return Meta{}, err
	}
	s.recovered = true
	return metas[steady], nil
}

// probePageSize finds the page size from the first meta slot with an
// intact prefix. Slot 0 sits at offset 0; slot i at i*ps is only trusted
// when it names ps itself.
func (s *Store) probePageSize() (int, error) {
	prefix := make([]byte, metaSize)
	if _, err := s.io.ReadAt(prefix, 0); err != nil {
		return 0, ErrInvalid
	}
	ps, first := metaPageSize(prefix)
	if first == nil {
		return ps, nil
	}
	for slot := 1; slot < NumMetas; slot++ {
		for ps := MinPageSize; ps <= MaxPageSize; ps <<= 1 {
			if _, err := s.io.ReadAt(prefix, int64(slot*ps)); err != nil {
				continue
			}
			if got, err := metaPageSize(prefix); err == nil && got == ps {
				return ps, nil
			}
		}
	}
	return 0, first
}

func decodeMetas(buf []byte, ps int) ([]Meta, []error) {
	metas := make([]Meta, NumMetas)
	errs := make([]error, NumMetas)
	for i := 0; i < NumMetas; i++ {
		metas[i], errs[i] = decodeMeta(buf[i*ps : (i+1)*ps])
	}
	return metas, errs
}

// ensureMapped replaces the mapping when the upper bound changed.
func (s *Store) ensureMapped(upper uint32) error {
	size := int64(upper) * int64(s.ps)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Size() == size {
		return nil
	}
	var old *mmap.Map
	if s.cur != nil {
		old = s.cur.m
	}
	m, err := s.io.Remap(old, size)
	if err != nil {
		return err
	}
	s.gens++
	mp := &Mapping{m: m, gen: s.gens}
	mp.refs.Store(1)
	if s.cur != nil {
		_ = s.cur.Release()
	}
	s.cur = mp
	return nil
}

func (s *Store) pin() *Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.acquire()
}

// PageSize returns the page size of the file.
func (s *Store) PageSize() int { return s.ps }

// ReadOnly reports whether the store was opened without write access.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Recovered reports whether Open rolled back to an older steady meta.
func (s *Store) Recovered() bool { return s.recovered }

// BootID returns the identifier of the current boot.
func (s *Store) BootID() [16]byte { return s.bootID }

// CachedPages returns the number of decoded pages in the cache.
func (s *Store) CachedPages() int { return s.cache.len() }

// MapSize returns the size of the current mapping in bytes.
func (s *Store) MapSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Size()
}

// Recent returns the newest valid meta as currently visible in the map.
func (s *Store) Recent() (Meta, error) {
	mp := s.pin()
	defer mp.Release()
	return s.recentFrom(mp)
}

func (s *Store) recentFrom(mp *Mapping) (Meta, error) {
	metas, errs := decodeMetas(mp.m.Data()[:NumMetas*s.ps], s.ps)
	head := pickMeta(metas, errs, false)
	if head < 0 {
		return Meta{}, ErrCorrupted
	}
	return metas[head], nil
}

// Metas describes the three meta slots.
func (s *Store) Metas() [NumMetas]MetaInfo {
	mp := s.pin()
	defer mp.Release()
	metas, errs := decodeMetas(mp.m.Data()[:NumMetas*s.ps], s.ps)
	var out [NumMetas]MetaInfo
	for i := range out {
		out[i] = MetaInfo{
			TxnID:  metas[i].TxnID,
			Steady: metas[i].Steady,
			Valid:  errs[i] == nil,
			BootID: metas[i].BootID,
		}
	}
	return out
}

// Snapshot pins the current mapping and captures the newest meta.
func (s *Store) Snapshot() (*Snapshot, error) {
	for {
		mp := s.pin()
		m, err := s.recentFrom(mp)
		if err != nil {
			mp.Release()
			return nil, err
		}
		if int64(m.Geo.Upper)*int64(s.ps) > mp.Size() {
			// Another process raised the upper bound.
			mp.Release()
			if err := s.ensureMapped(m.Geo.Upper); err != nil {
				return nil, err
			}
			continue
		}
		return &Snapshot{s: s, mp: mp, meta: m}, nil
	}
}

// cleanNode decodes a committed page through mp, using the shared cache.
func (s *Store) cleanNode(mp *Mapping, limit Pgno, pg Pgno) (*node, error) {
	if pg < NumMetas || pg >= limit {
		return nil, &Error{Op: "read", Pgno: pg, Err: ErrPageNotFound}
	}
	off := int64(pg) * int64(s.ps)
	data := mp.m.Data()
	if off+int64(s.ps) > int64(len(data)) {
		return nil, &Error{Op: "read", Pgno: pg, Err: ErrPageNotFound}
	}
	b := data[off : off+int64(s.ps)]
	key := cacheKey{gen: mp.gen, pgno: pg, txnid: pageTxnID(b)}
	if n, ok := s.cache.get(key); ok {
		return n, nil
	}
	n, err := decodeNode(b, pg)
	if err != nil {
		return nil, err
	}
	s.cache.add(key, n)
	return n, nil
}

// cleanOverflow returns the bytes of a committed overflow run.
func (s *Store) cleanOverflow(mp *Mapping, limit Pgno, pg Pgno, n int) ([]byte, error) {
	if pg < NumMetas || uint64(pg)+uint64(n) > uint64(limit) {
		return nil, &Error{Op: "read overflow", Pgno: pg, Err: ErrPageNotFound}
	}
	off := int64(pg) * int64(s.ps)
	end := off + int64(n)*int64(s.ps)
	data := mp.m.Data()
	if end > int64(len(data)) {
		return nil, &Error{Op: "read overflow", Pgno: pg, Err: ErrPageNotFound}
	}
	b := data[off:end:end]
	if pagePgno(b) != pg || pageFlags(b)&PageOverflow == 0 {
		return nil, &Error{Op: "read overflow", Pgno: pg, Err: ErrCorrupted}
	}
	return b, nil
}

// loadFreelist returns the committed freelist referenced by m, caching
// it for the next writer.
func (s *Store) loadFreelist(mp *Mapping, m Meta) (*Freelist, error) {
	if s.flList != nil && s.flTxn == m.TxnID {
		return s.flList, nil
	}
	fl, err := s.readFreelist(mp, m)
	if err != nil {
		return nil, err
	}
	s.flList, s.flTxn = fl, m.TxnID
	return fl, nil
}

func (s *Store) readFreelist(mp *Mapping, m Meta) (*Freelist, error) {
	if m.FreelistPgno == InvalidPgno {
		return NewFreelist(), nil
	}
	off := int64(m.FreelistPgno) * int64(s.ps)
	end := off + int64(m.FreelistPages)*int64(s.ps)
	data := mp.m.Data()
	if end > int64(len(data)) || uint64(m.FreelistPgno)+uint64(m.FreelistPages) > uint64(m.NextPgno) {
		return nil, &Error{Op: "read freelist", Pgno: m.FreelistPgno, Err: ErrPageNotFound}
	}
	b := data[off:end]
	if pagePgno(b) != m.FreelistPgno || pageFlags(b)&PageFreelist == 0 {
		return nil, &Error{Op: "read freelist", Pgno: m.FreelistPgno, Err: ErrCorrupted}
	}
	fl, err := DecodeFreelist(b[HeaderSize:])
	if err != nil {
		return nil, &Error{Op: "read freelist", Pgno: m.FreelistPgno, Err: err}
	}
	return fl, nil
}

// writeMeta publishes m in its slot. The page goes out with txnid_b
// cleared and txnid_b is written last, so a torn update never validates.
func (s *Store) writeMeta(m Meta) error {
	slot := metaSlot(m.TxnID)
	buf := make([]byte, s.ps)
	m.encode(buf, slot)
	txnB := make([]byte, 8)
	copy(txnB, buf[metaOffTxnB:metaOffTxnB+8])
	clear(buf[metaOffTxnB : metaOffTxnB+8])
	base := int64(slot) * int64(s.ps)
	if _, err := s.io.WriteAt(buf, base); err != nil {
		return err
	}
	_, err := s.io.WriteAt(txnB, base+metaOffTxnB)
	return err
}

// Flush writes back the data file.
func (s *Store) Flush(durable bool) error {
	return s.io.Flush(durable)
}

// Close releases the store's own pin on the mapping and closes the file.
// Mappings pinned by live transactions stay valid until released.
func (s *Store) Close() error {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	var firstErr error
	if cur != nil {
		firstErr = cur.Release()
	}
	s.cache.purge()
	if s.spill != nil {
		if err := s.spill.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.io.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Snapshot is a read view of one committed meta.
type Snapshot struct {
	s    *Store
	mp   *Mapping
	meta Meta
}

// Meta returns the meta the snapshot was taken from.
func (sn *Snapshot) Meta() Meta { return sn.meta }

// Mapping returns the pinned mapping.
func (sn *Snapshot) Mapping() *Mapping { return sn.mp }

// PageSize returns the page size.
func (sn *Snapshot) PageSize() int { return sn.s.ps }

// Release unpins the mapping. The snapshot must not be used afterwards.
func (sn *Snapshot) Release() {
	if sn.mp != nil {
		_ = sn.mp.Release()
		sn.mp = nil
	}
}

// Freelist decodes the freelist of the snapshot.
func (sn *Snapshot) Freelist() (*Freelist, error) {
	return sn.s.readFreelist(sn.mp, sn.meta)
}

func (sn *Snapshot) node(pg Pgno) (*node, error) {
	return sn.s.cleanNode(sn.mp, sn.meta.NextPgno, pg)
}

func (sn *Snapshot) overflow(pg Pgno, n int) ([]byte, error) {
	return sn.s.cleanOverflow(sn.mp, sn.meta.NextPgno, pg, n)
}

func (sn *Snapshot) writer() *WriteTxn { return nil }
