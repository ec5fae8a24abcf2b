package storage

import (
	"slices"
	"time"

	"github.com/Giulio2002/sdbx/internal/fastmap"
)

// Hooks connect a write transaction to the reader table it cannot see.
type Hooks struct {
	// Oldest returns the oldest snapshot still pinned by a reader, or 0 when
	// there are no readers.
	Oldest func() uint64
	// Stalled is called when the map is full and retired pages are held back
	// by a reader at oldest. Returning true retries the allocation.
	Stalled func(oldest uint64, blocked int, retry int) bool
	// MaxDirty bounds the dirty pages of one transaction; 0 is unlimited.
	MaxDirty int
}

// CommitOptions selects what Commit makes durable.
type CommitOptions struct {
	// SyncData flushes data pages before the meta is written.
	SyncData bool
	// SyncMeta flushes the meta after it is written.
	SyncMeta bool
	// Force writes a meta even when nothing changed.
	Force bool
	// AllowShrink lets the file shrink when enough pages are free at its end.
	AllowShrink bool
}

// Latency is the time spent in each commit phase.
type Latency struct {
	Preparation time.Duration
	GC          time.Duration
	Audit       time.Duration
	Write       time.Duration
	Sync        time.Duration
	Ending      time.Duration
	Whole       time.Duration
}

type dirtyPage struct {
	buf   []byte
	n     *node // nil for overflow and freelist runs
	pages int
	level int // nesting level that allocated the page
}

// WriteTxn is the page overlay of a write transaction. Nested
// transactions stack on their parent: lookups go through the chain and a
// successful child commit folds its overlay into the parent.
type WriteTxn struct {
	s      *Store
	parent *WriteTxn
	level  int
	id     uint64
	mp     *Mapping
	base   Meta
	geo    Geometry
	hooks  Hooks

	next         Pgno
	fl           *Freelist
	loose        []Pgno
	retired      []Pgno
	retiredDirty []Pgno
	dirty        fastmap.Map[*dirtyPage]
	dirtyCount   int
	gen          uint64
	done         bool
}

// Begin starts a write transaction on top of the newest meta. The caller
// holds the writer lock.
func (s *Store) Begin(hooks Hooks) (*WriteTxn, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	mp := s.pin()
	m, err := s.recentFrom(mp)
	if err != nil {
		mp.Release()
		return nil, err
	}
	if int64(m.Geo.Upper)*int64(s.ps) != mp.Size() {
		mp.Release()
		if err := s.ensureMapped(m.Geo.Upper); err != nil {
			return nil, err
		}
		mp = s.pin()
	}
	fl, err := s.loadFreelist(mp, m)
	if err != nil {
		mp.Release()
		return nil, err
	}
	w := &WriteTxn{
		s:     s,
		id:    m.TxnID + 1,
		mp:    mp,
		base:  m,
		geo:   m.Geo,
		hooks: hooks,
		next:  m.NextPgno,
		fl:    fl.Clone(),
	}
	w.fl.Release(w.oldest())
	return w, nil
}

func (w *WriteTxn) oldest() uint64 {
	if w.hooks.Oldest != nil {
		if o := w.hooks.Oldest(); o != 0 {
			return o
		}
	}
	return w.base.TxnID
}

// ID returns the transaction id the commit will carry.
func (w *WriteTxn) ID() uint64 { return w.id }

// Base returns the meta the transaction started from.
func (w *WriteTxn) Base() Meta { return w.base }

// Geometry returns the geometry the commit will carry.
func (w *WriteTxn) Geometry() Geometry { return w.geo }

// NextPgno returns the first unallocated page.
func (w *WriteTxn) NextPgno() Pgno { return w.next }

// PageSize returns the page size.
func (w *WriteTxn) PageSize() int { return w.s.ps }

// Gen changes whenever a tree is modified through this transaction or a
// nested one committed into it.
func (w *WriteTxn) Gen() uint64 { return w.gen }

// Touch marks a modification without page changes (for example a tree
// descriptor update).
func (w *WriteTxn) Touch() { w.gen++ }

// DirtyPages returns the number of pages dirtied at this level.
func (w *WriteTxn) DirtyPages() int { return w.dirtyCount }

// RetiredPages returns the number of committed pages made unreachable.
func (w *WriteTxn) RetiredPages() int { return len(w.retired) }

// Freelist returns the working freelist.
func (w *WriteTxn) Freelist() *Freelist { return w.fl }

// Changed reports whether any page was dirtied or retired.
func (w *WriteTxn) Changed() bool {
	return w.dirty.Len() > 0 || len(w.retired) > 0 || len(w.retiredDirty) > 0 ||
		w.next != w.base.NextPgno || w.geo != w.base.Geo
}

// Contains reports whether b points into the transaction's mapping.
func (w *WriteTxn) Contains(b []byte) bool { return w.mp.Contains(b) }

// SetGeometry changes the geometry the commit will carry.
func (w *WriteTxn) SetGeometry(g Geometry) error {
	if g.Upper < uint32(w.next) || g.Now > g.Upper || g.Lower > g.Upper {
		return ErrTooLarge
	}
	if g.Now < uint32(w.next) {
		g.Now = uint32(w.next)
	}
	w.geo = g
	w.gen++
	return nil
}

func (w *WriteTxn) lookup(pg Pgno) (*dirtyPage, *WriteTxn) {
	for t := w; t != nil; t = t.parent {
		if dp, ok := t.dirty.Get(uint32(pg)); ok {
			return dp, t
		}
	}
	return nil, nil
}

// IsDirty reports whether pg was written by this transaction chain.
func (w *WriteTxn) IsDirty(pg Pgno) bool {
	dp, _ := w.lookup(pg)
	return dp != nil
}

// OwnsBuffer reports whether b points into one of the dirty page buffers.
func (w *WriteTxn) OwnsBuffer(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for t := w; t != nil; t = t.parent {
		found := false
		t.dirty.ForEach(func(_ uint32, dp *dirtyPage) {
			if !found && sliceWithin(dp.buf, b) {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}

func (w *WriteTxn) node(pg Pgno) (*node, error) {
	if dp, _ := w.lookup(pg); dp != nil {
		if dp.n == nil {
			return nil, &Error{Op: "read", Pgno: pg, Err: ErrCorrupted}
		}
		return dp.n, nil
	}
	return w.s.cleanNode(w.mp, w.base.NextPgno, pg)
}

func (w *WriteTxn) overflow(pg Pgno, n int) ([]byte, error) {
	if dp, _ := w.lookup(pg); dp != nil {
		if dp.n != nil || dp.pages < n {
			return nil, &Error{Op: "read overflow", Pgno: pg, Err: ErrCorrupted}
		}
		return dp.buf, nil
	}
	return w.s.cleanOverflow(w.mp, w.base.NextPgno, pg, n)
}

func (w *WriteTxn) writer() *WriteTxn { return w }

// allocate returns the first of n contiguous pages: from the loose list,
// then the freelist, then past the end of the allocated area.
func (w *WriteTxn) allocate(n int) (Pgno, error) {
	if w.hooks.MaxDirty > 0 && w.dirtyCount+n > w.hooks.MaxDirty {
		return 0, ErrTxnFull
	}
	if n == 1 && len(w.loose) > 0 {
		pg := w.loose[len(w.loose)-1]
		w.loose = w.loose[:len(w.loose)-1]
		return pg, nil
	}
	for retry := 0; ; retry++ {
		if pg, ok := w.fl.Allocate(n); ok {
			return pg, nil
		}
		if uint64(w.next)+uint64(n) <= uint64(w.geo.Upper) {
			pg := w.next
			w.next += Pgno(n)
			return pg, nil
		}
		oldest := w.oldest()
		if w.fl.Release(oldest) > 0 {
			continue
		}
		blocked, _ := w.fl.Blocked(oldest)
		if blocked == 0 || w.hooks.Stalled == nil || !w.hooks.Stalled(oldest, blocked, retry) {
			return 0, ErrMapFull
		}
	}
}

// retire drops n pages starting at pg from the tree. Pages allocated at
// this level become loose and are reused at once; committed pages wait in
// the freelist until no snapshot can reference them.
func (w *WriteTxn) retire(pg Pgno, n int) {
	dp, owner := w.lookup(pg)
	if dp == nil {
		for i := 0; i < n; i++ {
			w.retired = append(w.retired, pg+Pgno(i))
		}
		return
	}
	if owner == w {
		w.dirty.Delete(uint32(pg))
		w.dirtyCount -= dp.pages
	}
	if dp.level == w.level {
		for i := 0; i < dp.pages; i++ {
			w.loose = append(w.loose, pg+Pgno(i))
		}
		return
	}
	w.retiredDirty = append(w.retiredDirty, pg)
}

// writable returns the page number a new image of pg is installed at.
// Pages already dirty keep their number; committed pages are copied.
func (w *WriteTxn) writable(pg Pgno) (Pgno, error) {
	if dp, _ := w.lookup(pg); dp != nil {
		return pg, nil
	}
	npg, err := w.allocate(1)
	if err != nil {
		return 0, err
	}
	w.retire(pg, 1)
	return npg, nil
}

// install encodes n as the new image of pg.
func (w *WriteTxn) install(pg Pgno, n *node) error {
	level := w.level
	existing, owner := w.lookup(pg)
	if existing != nil {
		level = existing.level
	}
	if owner != w {
		if w.hooks.MaxDirty > 0 && w.dirtyCount >= w.hooks.MaxDirty {
			return ErrTxnFull
		}
		w.dirtyCount++
	}
	buf := w.pageBuf()
	n.encode(buf, pg, w.id)
	dn, err := decodeNode(buf, pg)
	if err != nil {
		return err
	}
	w.dirty.Set(uint32(pg), &dirtyPage{buf: buf, n: dn, pages: 1, level: level})
	return nil
}

// pageBuf returns the buffer for a new page image. Once the transaction
// chain holds spillAfter dirty pages, images go to the scratch file; its
// slots are released when the top-level transaction ends, since decoded
// nodes may still point into a replaced image until then.
func (w *WriteTxn) pageBuf() []byte {
	sp := w.s.spill
	if sp == nil {
		return make([]byte, w.s.ps)
	}
	dirty := 0
	for t := w; t != nil; t = t.parent {
		dirty += t.dirtyCount
	}
	if dirty < w.s.spillAfter {
		return make([]byte, w.s.ps)
	}
	buf, _, err := sp.Alloc()
	if err != nil {
		return make([]byte, w.s.ps)
	}
	return buf
}

// SpilledPages returns the number of page images held in the scratch file.
func (w *WriteTxn) SpilledPages() int {
	if w.s.spill == nil {
		return 0
	}
	return w.s.spill.InUse()
}

// putOverflow stores val in a fresh overflow run and returns its first page
// and length in pages.
func (w *WriteTxn) putOverflow(val []byte) (Pgno, int, error) {
	n := overflowPages(w.s.ps, len(val))
	pg, err := w.allocate(n)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, n*w.s.ps)
	putHeader(buf, pg, PageOverflow, 0, w.id)
	copy(buf[HeaderSize:], val)
	w.dirty.Set(uint32(pg), &dirtyPage{buf: buf, pages: n, level: w.level})
	w.dirtyCount += n
	return pg, n, nil
}

// DropTree retires every page of t.
func (w *WriteTxn) DropTree(t *Tree) error {
	if t.Root != InvalidPgno {
		if err := w.dropPage(t.Root, 0); err != nil {
			return err
		}
	}
	w.gen++
	return nil
}

func (w *WriteTxn) dropPage(pg Pgno, depth int) error {
	if depth >= MaxTreeDepth {
		return ErrCursorFull
	}
	n, err := w.node(pg)
	if err != nil {
		return err
	}
	if n.leaf {
		for i, f := range n.eflags {
			if f&EntryBig != 0 {
				opg, length := parseBigRef(n.vals[i])
				w.retire(opg, overflowPages(w.s.ps, length))
			}
		}
	} else {
		for _, kid := range n.kids {
			if err := w.dropPage(kid, depth+1); err != nil {
				return err
			}
		}
	}
	w.retire(pg, 1)
	return nil
}

// Nested starts a child transaction.
func (w *WriteTxn) Nested() *WriteTxn {
	return &WriteTxn{
		s:      w.s,
		parent: w,
		level:  w.level + 1,
		id:     w.id,
		mp:     w.mp,
		base:   w.base,
		geo:    w.geo,
		hooks:  w.hooks,
		next:   w.next,
		fl:     w.fl.Clone(),
		loose:  slices.Clone(w.loose),
		gen:    w.gen,
	}
}

// Parent returns the enclosing transaction of a nested one.
func (w *WriteTxn) Parent() *WriteTxn { return w.parent }

// CommitNested folds a child transaction into its parent.
func (w *WriteTxn) CommitNested() {
	p := w.parent
	w.dirty.ForEach(func(pg uint32, dp *dirtyPage) {
		if dp.level == w.level {
			dp.level = p.level
		}
		if _, ok := p.dirty.Get(pg); !ok {
			p.dirtyCount += dp.pages
		}
		p.dirty.Set(pg, dp)
	})
	p.next, p.fl, p.loose, p.geo = w.next, w.fl, w.loose, w.geo
	p.retired = append(p.retired, w.retired...)
	for _, pg := range w.retiredDirty {
		dp, _ := p.lookup(pg)
		if dp != nil {
			p.retire(pg, dp.pages)
		}
	}
	p.gen = max(p.gen, w.gen) + 1
	w.done = true
}

// Abort discards the overlay. A top-level abort unpins the mapping.
func (w *WriteTxn) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.dirty.Clear()
	if w.parent == nil {
		if w.s.spill != nil {
			w.s.spill.Reset()
		}
		_ = w.mp.Release()
	}
}

// Commit writes every dirty page and publishes a new meta with main as the
// main tree.
func (w *WriteTxn) Commit(main Tree, opts CommitOptions) (Meta, Latency, error) {
	var lat Latency
	start := time.Now()
	mark := start
	phase := func(d *time.Duration) {
		now := time.Now()
		*d = now.Sub(mark)
		mark = now
	}
	defer w.Abort()

	if w.parent != nil {
		return Meta{}, lat, ErrInvalid
	}
	ps := w.s.ps
	if !w.Changed() && main == w.base.Main && !opts.Force {
		phase(&lat.Preparation)
		lat.Whole = time.Since(start)
		return w.base, lat, nil
	}
	phase(&lat.Preparation)

	// Pages retired by this transaction become pending under its id;
	// loose pages were never visible to anyone.
	retired := w.retired
	if w.base.FreelistPgno != InvalidPgno {
		for i := uint32(0); i < w.base.FreelistPages; i++ {
			retired = append(retired, w.base.FreelistPgno+Pgno(i))
		}
	}
	w.fl.Free(w.loose...)
	w.loose = nil
	w.fl.Retire(w.id, retired)
	w.next = w.fl.TrimTail(w.next)
	flPgno, flPages := InvalidPgno, 0
	w.hooks.MaxDirty = 0
	if !w.fl.Empty() {
		flPages = overflowPages(ps, w.fl.encodedSize())
		pg, err := w.allocate(flPages)
		if err != nil {
			return Meta{}, lat, err
		}
		buf := make([]byte, flPages*ps)
		putHeader(buf, pg, PageFreelist, 0, w.id)
		w.fl.Encode(buf[HeaderSize:])
		w.dirty.Set(uint32(pg), &dirtyPage{buf: buf, pages: flPages})
		flPgno = pg
	}
	phase(&lat.GC)

	if err := w.audit(); err != nil {
		return Meta{}, lat, err
	}
	phase(&lat.Audit)

	geo := w.geo
	if now := w.fileSize(geo, opts.AllowShrink); now != geo.Now {
		if err := w.s.io.Resize(int64(now) * int64(ps)); err != nil {
			return Meta{}, lat, err
		}
		geo.Now = now
	}
	pgs := w.dirty.Keys()
	slices.Sort(pgs)
	for _, pg := range pgs {
		dp, _ := w.dirty.Get(pg)
		if _, err := w.s.io.WriteAt(dp.buf, int64(pg)*int64(ps)); err != nil {
			return Meta{}, lat, err
		}
	}
	phase(&lat.Write)

	if opts.SyncData {
		if err := w.s.io.Flush(true); err != nil {
			return Meta{}, lat, err
		}
	}
	phase(&lat.Sync)

	m := Meta{
		TxnID:         w.id,
		PageSize:      uint32(ps),
		Geo:           geo,
		NextPgno:      w.next,
		Main:          main,
		FreelistPgno:  flPgno,
		FreelistPages: uint32(flPages),
		PagesRetired:  w.base.PagesRetired + uint64(len(retired)),
		Steady:        opts.SyncData,
		BootID:        w.s.bootID,
	}
	if err := w.s.writeMeta(m); err != nil {
		return Meta{}, lat, err
	}
	if opts.SyncData && opts.SyncMeta {
		if err := w.s.io.Flush(true); err != nil {
			return Meta{}, lat, err
		}
	}
	w.s.flList, w.s.flTxn = w.fl, w.id
	if geo.Upper != w.base.Geo.Upper {
		if err := w.s.ensureMapped(geo.Upper); err != nil {
			return m, lat, err
		}
	}
	phase(&lat.Ending)
	lat.Whole = time.Since(start)
	return m, lat, nil
}

// fileSize returns the file size in pages the commit leaves behind.
func (w *WriteTxn) fileSize(geo Geometry, allowShrink bool) uint32 {
	need := max(uint32(w.next), geo.Lower, NumMetas)
	if need > geo.Now {
		now := need
		if geo.Grow > 0 {
			now = (need + geo.Grow - 1) / geo.Grow * geo.Grow
		}
		return min(now, geo.Upper)
	}
	if allowShrink && geo.Shrink > 0 && geo.Now-need >= geo.Shrink {
		now := need
		if geo.Grow > 0 {
			now = (need + geo.Grow - 1) / geo.Grow * geo.Grow
		}
		return min(max(now, need), geo.Now)
	}
	return geo.Now
}

// audit checks that no dirty page is also free and every page lies below
// the allocated end.
func (w *WriteTxn) audit() error {
	var bad Pgno = InvalidPgno
	w.dirty.ForEach(func(pg uint32, dp *dirtyPage) {
		if uint64(pg)+uint64(dp.pages) > uint64(w.next) {
			bad = Pgno(pg)
			return
		}
		if _, found := slices.BinarySearch(w.fl.free, Pgno(pg)); found {
			bad = Pgno(pg)
		}
	})
	if bad != InvalidPgno {
		return &Error{Op: "audit", Pgno: bad, Err: ErrCorrupted}
	}
	return nil
}

// Store returns the store the transaction writes to.
func (w *WriteTxn) Store() *Store { return w.s }
