package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var plain = &Ordering{Key: bytes.Compare, Dup: bytes.Compare}
var dups = &Ordering{Key: bytes.Compare, Dup: bytes.Compare, DupSort: true}

func testOptions(ps int) Options {
	return Options{
		PageSize:  ps,
		Geometry:  Geometry{Lower: NumMetas, Upper: 1 << 16, Now: 16, Grow: 16, Shrink: 64},
		CacheSize: 256,
	}
}

func openAt(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	f, err := platform.Open(path, opts.ReadOnly, !opts.ReadOnly, 0o644)
	require.NoError(t, err)
	s, err := Open(f, opts)
	if err != nil {
		f.Close()
	}
	require.NoError(t, err)
	return s
}

func openTemp(t *testing.T, ps int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.sdbx")
	s := openAt(t, path, testOptions(ps))
	t.Cleanup(func() { s.Close() })
	return s, path
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func put(t *testing.T, c *Cursor, k, v []byte) {
	t.Helper()
	ok, err := c.SeekKey(k)
	require.NoError(t, err)
	if ok && bytes.Equal(c.Key(), k) {
		require.NoError(t, c.SetValue(v, 0))
		return
	}
	require.NoError(t, c.Insert(k, v, 0, false))
}

type kv struct{ k, v string }

func collect(t *testing.T, src Source, tree Tree, ord *Ordering) []kv {
	t.Helper()
	c := NewCursor(src, &tree, ord)
	var out []kv
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		v, verr := c.Value()
		require.NoError(t, verr)
		out = append(out, kv{string(c.Key()), string(v)})
	}
	require.NoError(t, err)
	return out
}

func commit(t *testing.T, w *WriteTxn, tree Tree) Meta {
	t.Helper()
	m, _, err := w.Commit(tree, CommitOptions{SyncData: true, SyncMeta: true})
	require.NoError(t, err)
	return m
}

func TestCreateAndReopen(t *testing.T) {
	s, path := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 2000; i++ {
		put(t, c, key(i), []byte(fmt.Sprintf("value-%d", i)))
	}
	assert.EqualValues(t, 2000, tree.Items)
	assert.Greater(t, int(tree.Height), 2)
	m := commit(t, w, tree)
	assert.EqualValues(t, 2, m.TxnID)
	assert.True(t, m.Steady)
	require.NoError(t, s.Close())

	s2 := openAt(t, path, testOptions(4096))
	defer s2.Close()
	assert.Equal(t, 512, s2.PageSize(), "page size comes from the file")
	sn, err := s2.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	assert.EqualValues(t, 2, sn.Meta().TxnID)
	got := collect(t, sn, sn.Meta().Main, plain)
	require.Len(t, got, 2000)
	for i, e := range got {
		assert.Equal(t, string(key(i)), e.k)
		assert.Equal(t, fmt.Sprintf("value-%d", i), e.v)
	}
}

func TestSeekVariants(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	defer w.Abort()
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 300; i += 2 {
		put(t, c, key(i), []byte("v"))
	}

	ok, err := c.SeekKey(key(11))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(12), c.Key())

	ok, err = c.SeekKey(key(12))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(12), c.Key())

	ok, err = c.SeekKeyAfter(key(12))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(14), c.Key())

	ok, err = c.SeekKey(key(999))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(298), c.Key())
	ok, err = c.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, key(298), c.Key(), "stays on the last entry")

	ok, err = c.First()
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Prev()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, key(0), c.Key(), "stays on the first entry")
}

func TestSnapshotIsolation(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 500; i++ {
		put(t, c, key(i), []byte("old"))
	}
	commit(t, w, tree)

	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	pinned := sn.Meta().TxnID

	for round := 0; round < 3; round++ {
		w, err = s.Begin(Hooks{Oldest: func() uint64 { return pinned }})
		require.NoError(t, err)
		tree = w.Base().Main
		c = NewCursor(w, &tree, plain)
		for i := 0; i < 500; i++ {
			put(t, c, key(i), []byte(fmt.Sprintf("new-%d", round)))
		}
		commit(t, w, tree)
	}

	for _, e := range collect(t, sn, sn.Meta().Main, plain) {
		require.Equal(t, "old", e.v)
	}
	latest, err := s.Snapshot()
	require.NoError(t, err)
	defer latest.Release()
	for _, e := range collect(t, latest, latest.Meta().Main, plain) {
		require.Equal(t, "new-2", e.v)
	}
}

func TestDeleteAllAndReuse(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 1000; i++ {
		put(t, c, key(i), []byte("payload"))
	}
	m1 := commit(t, w, tree)

	w, err = s.Begin(Hooks{})
	require.NoError(t, err)
	tree = w.Base().Main
	c = NewCursor(w, &tree, plain)
	ok, err := c.First()
	require.NoError(t, err)
	for n := 0; ok; n++ {
		require.NoError(t, c.Delete())
		ok, err = c.Valid()
		require.NoError(t, err)
		if n < 999 {
			require.True(t, ok)
			require.True(t, c.Shifted())
		}
	}
	assert.True(t, tree.Empty())
	assert.Zero(t, tree.Items)
	assert.Zero(t, tree.Height)
	assert.Zero(t, tree.LeafPages)
	assert.Zero(t, tree.BranchPages)
	commit(t, w, tree)

	w, err = s.Begin(Hooks{})
	require.NoError(t, err)
	assert.NotZero(t, w.Freelist().FreeCount(), "pages retired before the last commit are free")
	tree = w.Base().Main
	c = NewCursor(w, &tree, plain)
	for i := 0; i < 1000; i++ {
		put(t, c, key(i), []byte("payload"))
	}
	m3 := commit(t, w, tree)
	assert.LessOrEqual(t, m3.NextPgno, m1.NextPgno+4, "freed pages are reused")
}

func TestOverflowValues(t *testing.T) {
	s, _ := openTemp(t, 512)
	big := bytes.Repeat([]byte("0123456789"), 1000)

	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	put(t, c, []byte("big"), big)
	put(t, c, []byte("small"), []byte("x"))
	assert.EqualValues(t, overflowPages(512, len(big)), tree.OverflowPages)
	commit(t, w, tree)

	sn, err := s.Snapshot()
	require.NoError(t, err)
	got := collect(t, sn, sn.Meta().Main, plain)
	sn.Release()
	require.Len(t, got, 2)
	assert.Equal(t, string(big), got[0].v)

	w, err = s.Begin(Hooks{})
	require.NoError(t, err)
	tree = w.Base().Main
	c = NewCursor(w, &tree, plain)
	put(t, c, []byte("big"), []byte("now small"))
	assert.Zero(t, tree.OverflowPages)
	assert.GreaterOrEqual(t, w.RetiredPages(), overflowPages(512, len(big)))
	commit(t, w, tree)
}

func TestDupSortOrdering(t *testing.T) {
	s, _ := openTemp(t, 256)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	defer w.Abort()
	tree := EmptyTree(0)
	c := NewCursor(w, &tree, dups)
	for i := 99; i >= 0; i-- {
		for _, k := range []string{"b", "a", "c"} {
			require.NoError(t, c.Insert([]byte(k), []byte(fmt.Sprintf("%03d", i)), 0, false))
		}
	}
	assert.EqualValues(t, 300, tree.Items)

	got := collect(t, w, tree, dups)
	require.Len(t, got, 300)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		if got[i].k != got[j].k {
			return got[i].k < got[j].k
		}
		return got[i].v < got[j].v
	}))

	ok, err := c.SeekKey([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	v, err := c.Value()
	require.NoError(t, err)
	assert.Equal(t, "000", string(v))
	n, err := c.CountKey()
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)

	ok, err = c.SeekBoth([]byte("b"), []byte("050"))
	require.NoError(t, err)
	require.True(t, ok)
	v, _ = c.Value()
	assert.Equal(t, "050", string(v))
	ok, err = c.SeekBothAfter([]byte("b"), []byte("099"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", string(c.Key()))
}

func TestCursorFollowsOtherCursorChanges(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	defer w.Abort()
	tree := w.Base().Main
	a := NewCursor(w, &tree, plain)
	for i := 0; i < 400; i++ {
		put(t, a, key(i), []byte("v"))
	}
	b := NewCursor(w, &tree, plain)
	ok, err := b.SeekKey(key(200))
	require.NoError(t, err)
	require.True(t, ok)

	// Splits caused by a leave b on its entry.
	for i := 400; i < 800; i++ {
		put(t, a, key(i), []byte("long value forcing splits"))
	}
	ok, err = b.Valid()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(200), b.Key())
	assert.False(t, b.Shifted())

	// Deleting b's entry through a moves b to the successor.
	ok, err = a.SeekKey(key(200))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Delete())
	ok, err = b.Valid()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, b.Shifted())
	assert.Equal(t, key(201), b.Key())
	ok, err = b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(201), b.Key(), "first step after a shift stays put")
	ok, err = b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(202), b.Key())
}

func TestNestedCommitAndAbort(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 100; i++ {
		put(t, c, key(i), []byte("parent"))
	}

	child := w.Nested()
	childTree := tree
	cc := NewCursor(child, &childTree, plain)
	for i := 50; i < 300; i++ {
		put(t, cc, key(i), []byte("aborted"))
	}
	child.Abort()
	got := collect(t, w, tree, plain)
	require.Len(t, got, 100)
	for _, e := range got {
		require.Equal(t, "parent", e.v)
	}

	child = w.Nested()
	childTree = tree
	cc = NewCursor(child, &childTree, plain)
	for i := 50; i < 300; i++ {
		put(t, cc, key(i), []byte("child"))
	}
	ok, err := cc.SeekKey(key(0))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, cc.Delete())
	child.CommitNested()
	tree = childTree

	got = collect(t, w, tree, plain)
	require.Len(t, got, 299)
	assert.Equal(t, string(key(1)), got[0].k)
	assert.Equal(t, "parent", got[0].v)
	assert.Equal(t, "child", got[49].v)
	m := commit(t, w, tree)

	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	assert.Equal(t, m.TxnID, sn.Meta().TxnID)
	assert.Len(t, collect(t, sn, sn.Meta().Main, plain), 299)
}

func TestEmptyCommitKeepsMeta(t *testing.T) {
	s, _ := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	m, _, err := w.Commit(w.Base().Main, CommitOptions{SyncData: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.TxnID)

	w, err = s.Begin(Hooks{})
	require.NoError(t, err)
	m, lat, err := w.Commit(w.Base().Main, CommitOptions{SyncData: true, SyncMeta: true, Force: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.TxnID)
	assert.GreaterOrEqual(t, lat.Whole, lat.Write)
}

func TestMapFull(t *testing.T) {
	opts := testOptions(512)
	opts.Geometry = Geometry{Lower: NumMetas, Upper: 32, Now: 8, Grow: 8}
	s := openAt(t, filepath.Join(t.TempDir(), "small"), opts)
	defer s.Close()
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	defer w.Abort()
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	var last error
	for i := 0; i < 10000 && last == nil; i++ {
		ok, err := c.SeekKey(key(i))
		require.NoError(t, err)
		require.False(t, ok)
		last = c.Insert(key(i), bytes.Repeat([]byte{'x'}, 80), 0, true)
	}
	assert.ErrorIs(t, last, ErrMapFull)
}

func TestStalledReaderCallback(t *testing.T) {
	opts := testOptions(512)
	opts.Geometry = Geometry{Lower: NumMetas, Upper: 40, Now: 8, Grow: 8}
	s := openAt(t, filepath.Join(t.TempDir(), "stall"), opts)
	defer s.Close()

	fill := func(hooks Hooks, val string) error {
		w, err := s.Begin(hooks)
		require.NoError(t, err)
		tree := w.Base().Main
		c := NewCursor(w, &tree, plain)
		for i := 0; i < 20; i++ {
			ok, err := c.SeekKey(key(i))
			require.NoError(t, err)
			if ok && bytes.Equal(c.Key(), key(i)) {
				err = c.SetValue([]byte(val), 0)
			} else {
				err = c.Insert(key(i), []byte(val), 0, false)
			}
			if err != nil {
				w.Abort()
				return err
			}
		}
		_, _, err = w.Commit(tree, CommitOptions{SyncData: true})
		return err
	}
	require.NoError(t, fill(Hooks{}, "first"))

	reader := uint64(2)
	calls := 0
	hooks := Hooks{
		Oldest: func() uint64 { return reader },
		Stalled: func(oldest uint64, blocked int, retry int) bool {
			calls++
			assert.Equal(t, reader, oldest)
			assert.Positive(t, blocked)
			reader = 0 // the reader was evicted
			return true
		},
	}
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = fill(hooks, fmt.Sprintf("round-%d-%s", i, bytes.Repeat([]byte{'y'}, 60)))
		if reader == 0 {
			reader = s.mustRecent(t).TxnID
		}
	}
	assert.Positive(t, calls)
}

func (s *Store) mustRecent(t *testing.T) Meta {
	m, err := s.Recent()
	require.NoError(t, err)
	return m
}

func TestWeakMetaRollbackAfterReboot(t *testing.T) {
	if platform.BootID() == [16]byte{} {
		t.Skip("boot id unavailable")
	}
	s, path := openTemp(t, 512)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	put(t, NewCursor(w, &tree, plain), []byte("durable"), []byte("1"))
	steady := commit(t, w, tree)

	w, err = s.Begin(Hooks{})
	require.NoError(t, err)
	tree = w.Base().Main
	put(t, NewCursor(w, &tree, plain), []byte("weak"), []byte("2"))
	weak, _, err := w.Commit(tree, CommitOptions{})
	require.NoError(t, err)
	assert.False(t, weak.Steady)

	// Same boot: the weak meta is kept.
	require.NoError(t, s.Close())
	s = openAt(t, path, testOptions(512))
	assert.False(t, s.Recovered())
	assert.Equal(t, weak.TxnID, s.mustRecent(t).TxnID)

	// Pretend the weak meta was written during an earlier boot.
	weak.BootID = [16]byte{0xde, 0xad}
	require.NoError(t, s.writeMeta(weak))
	require.NoError(t, s.Close())

	ro := testOptions(512)
	ro.ReadOnly = true
	f, err := platform.Open(path, true, false, 0)
	require.NoError(t, err)
	_, err = Open(f, ro)
	assert.ErrorIs(t, err, ErrWannaRecover)
	f.Close()

	s = openAt(t, path, testOptions(512))
	defer s.Close()
	assert.True(t, s.Recovered())
	assert.Equal(t, steady.TxnID, s.mustRecent(t).TxnID)
	infos := s.Metas()
	valid := 0
	for _, mi := range infos {
		if mi.Valid {
			valid++
			assert.LessOrEqual(t, mi.TxnID, steady.TxnID)
		}
	}
	assert.Equal(t, 2, valid)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	f, err := platform.Open(path, false, true, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xAB}, 4096), 0)
	require.NoError(t, err)
	_, err = Open(f, testOptions(512))
	assert.ErrorIs(t, err, ErrInvalid)
	f.Close()
}

func TestRandomAgainstModel(t *testing.T) {
	s, _ := openTemp(t, 256)
	rng := rand.New(rand.NewSource(42))
	model := map[string]string{}

	for round := 0; round < 20; round++ {
		w, err := s.Begin(Hooks{})
		require.NoError(t, err)
		tree := w.Base().Main
		c := NewCursor(w, &tree, plain)
		for op := 0; op < 200; op++ {
			k := make([]byte, 4)
			binary.BigEndian.PutUint32(k, uint32(rng.Intn(500)))
			if rng.Intn(3) == 0 {
				ok, err := c.SeekKey(k)
				require.NoError(t, err)
				if ok && bytes.Equal(c.Key(), k) {
					require.NoError(t, c.Delete())
					delete(model, string(k))
				}
				continue
			}
			v := bytes.Repeat([]byte{byte('a' + rng.Intn(26))}, rng.Intn(120))
			put(t, c, k, v)
			model[string(k)] = string(v)
		}
		require.EqualValues(t, len(model), tree.Items)
		if rng.Intn(4) == 0 {
			w.Abort()
			// Rebuild the model from the last commit.
			sn, err := s.Snapshot()
			require.NoError(t, err)
			model = map[string]string{}
			for _, e := range collect(t, sn, sn.Meta().Main, plain) {
				model[e.k] = e.v
			}
			sn.Release()
			continue
		}
		commit(t, w, tree)

		sn, err := s.Snapshot()
		require.NoError(t, err)
		got := collect(t, sn, sn.Meta().Main, plain)
		sn.Release()
		require.Len(t, got, len(model))
		for i, e := range got {
			if i > 0 {
				require.Less(t, got[i-1].k, e.k)
			}
			require.Equal(t, model[e.k], e.v)
		}
	}
}

func TestSpillLargeTransaction(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(512)
	opts.SpillPath = filepath.Join(dir, "data.sdbx-spill")
	opts.SpillAfter = 8
	s := openAt(t, filepath.Join(dir, "data.sdbx"), opts)
	defer s.Close()

	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 3000; i++ {
		put(t, c, key(i), []byte(fmt.Sprintf("value-%d", i)))
	}
	assert.Greater(t, w.SpilledPages(), 0)

	// Values read back from spilled pages are reported as dirty.
	ok, err := c.SeekKey(key(2999))
	require.NoError(t, err)
	require.True(t, ok)
	v, err := c.Value()
	require.NoError(t, err)
	assert.True(t, w.OwnsBuffer(v))

	// A nested transaction spills too and is discarded on abort.
	child := w.Nested()
	childTree := tree
	cc := NewCursor(child, &childTree, plain)
	for i := 0; i < 500; i++ {
		put(t, cc, key(i), []byte("child"))
	}
	child.Abort()

	commit(t, w, tree)
	assert.Zero(t, w.SpilledPages())

	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	got := collect(t, sn, sn.Meta().Main, plain)
	require.Len(t, got, 3000)
	for i, e := range got {
		require.Equal(t, fmt.Sprintf("value-%d", i), e.v)
	}
}

func TestFreshFileReopens(t *testing.T) {
	s, path := openTemp(t, 1024)
	assert.EqualValues(t, 1, s.mustRecent(t).TxnID)
	for i, mi := range s.Metas() {
		assert.True(t, mi.Valid, "slot %d", i)
		assert.EqualValues(t, 1, mi.TxnID)
	}
	require.NoError(t, s.Close())

	s = openAt(t, path, testOptions(4096))
	defer s.Close()
	assert.Equal(t, 1024, s.PageSize())
	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	assert.Empty(t, collect(t, sn, sn.Meta().Main, plain))
}

func TestTornFirstMetaSlot(t *testing.T) {
	s, path := openTemp(t, 512)
	var last Meta
	for i := 0; i < 3; i++ {
		w, err := s.Begin(Hooks{})
		require.NoError(t, err)
		tree := w.Base().Main
		put(t, NewCursor(w, &tree, plain), key(i), []byte("v"))
		last = commit(t, w, tree)
	}
	require.EqualValues(t, 4, last.TxnID)
	require.Equal(t, 1, metaSlot(last.TxnID))
	require.NoError(t, s.Close())

	// Wipe slot 0 as an interrupted meta write would.
	f, err := platform.Open(path, false, false, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 512), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openAt(t, path, testOptions(4096))
	defer s.Close()
	assert.Equal(t, 512, s.PageSize())
	assert.Equal(t, last.TxnID, s.mustRecent(t).TxnID)
	assert.False(t, s.Metas()[0].Valid)
	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Release()
	assert.Len(t, collect(t, sn, sn.Meta().Main, plain), 3)
}

func TestSeekHitsSeparators(t *testing.T) {
	s, _ := openTemp(t, 256)
	w, err := s.Begin(Hooks{})
	require.NoError(t, err)
	defer w.Abort()

	tree := w.Base().Main
	c := NewCursor(w, &tree, plain)
	for i := 0; i < 1000; i++ {
		put(t, c, key(i), []byte("v"))
	}
	require.Greater(t, int(tree.Height), 1)
	for i := 0; i < 1000; i++ {
		ok, err := c.SeekKey(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, key(i), c.Key())
	}

	dt := EmptyTree(0)
	d := NewCursor(w, &dt, dups)
	for i := 0; i < 200; i++ {
		for _, k := range []string{"a", "b"} {
			require.NoError(t, d.Insert([]byte(k), []byte(fmt.Sprintf("%03d", i)), 0, false))
		}
	}
	require.Greater(t, int(dt.Height), 1)
	for i := 0; i < 200; i++ {
		val := []byte(fmt.Sprintf("%03d", i))
		ok, err := d.SeekBoth([]byte("b"), val)
		require.NoError(t, err)
		require.True(t, ok)
		v, err := d.Value()
		require.NoError(t, err)
		require.Equal(t, val, v)
	}
	ok, err := d.SeekKey([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "000", string(v))
}
