package sdbx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openTestEnvAt opens an environment at path; setup runs before Open.
func openTestEnvAt(t *testing.T, path string, flags EnvFlags, setup ...func(*Env)) *Env {
	t.Helper()
	env, err := NewEnv()
	require.NoError(t, err)
	for _, fn := range setup {
		fn(env)
	}
	require.NoError(t, env.Open(path, flags|NoSubdir, 0o644))
	t.Cleanup(func() { env.Close() })
	return env
}

func openTestEnv(t *testing.T, setup ...func(*Env)) *Env {
	t.Helper()
	return openTestEnvAt(t, filepath.Join(t.TempDir(), "test.db"), 0, setup...)
}

func mustPut(t *testing.T, env *Env, dbi DBI, key, val string) {
	t.Helper()
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(dbi, []byte(key), []byte(val), 0)
	}))
}

// recordingLogger keeps the messages it is given.
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.add(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add(msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add(msg) }

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	log := &recordingLogger{}

	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.SetLogger(log))
	require.NoError(t, env.Open(path, NoSubdir, 0o644))
	assert.Equal(t, path, env.Path())
	assert.True(t, log.has("environment opened"))

	// Open twice is a misuse.
	err = env.Open(path, NoSubdir, 0o644)
	assert.Equal(t, ErrInvalidArgument, Code(err))

	// Setters that must precede Open.
	assert.Error(t, env.SetMaxReaders(10))
	assert.Error(t, env.SetMaxTables(10))

	require.NoError(t, env.Close())
	assert.True(t, log.has("environment closed"))
	require.NoError(t, env.Close())

	_, err = env.BeginTxn(nil, TxnReadOnly)
	assert.Error(t, err)
}

func TestOpenDirectory(t *testing.T) {
	dir := t.TempDir()
	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(dir, 0, 0o644))
	defer env.Close()
	assert.FileExists(t, filepath.Join(dir, DataFileName))
	assert.FileExists(t, filepath.Join(dir, LockFileName))

	env2, err := NewEnv()
	require.NoError(t, err)
	err = env2.Open(filepath.Join(dir, "missing"), 0, 0o644)
	assert.Error(t, err)
}

func TestCloseBusyWithWriter(t *testing.T) {
	env := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	assert.Equal(t, ErrBusy, Code(env.Close()))

	txn.Abort()
	require.NoError(t, env.Close())
}

func TestCloseWhileWritersStart(t *testing.T) {
	env := openTestEnv(t)

	done := make(chan error, 1)
	go func() {
		for {
			txn, err := env.BeginTxn(nil, TxnReadWrite)
			if err != nil {
				done <- err
				return
			}
			if err := txn.Put(MainDBI, []byte("k"), []byte("v"), 0); err != nil {
				txn.Abort()
				done <- err
				return
			}
			if _, err := txn.Commit(); err != nil {
				done <- err
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		err := env.Close()
		if err != nil {
			assert.Equal(t, ErrBusy, Code(err))
		}
		return err == nil
	}, 10*time.Second, time.Millisecond)
	assert.Equal(t, ErrBadTxn, Code(<-done))
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(path, NoSubdir, 0o644))
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("users", Create)
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			key := fmt.Sprintf("user-%04d", i)
			if err := txn.Put(dbi, []byte(key), []byte(key+"-value"), 0); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.Close())

	env = openTestEnvAt(t, path, 0)
	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("users", 0)
		require.NoError(t, err)
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(500), st.Entries)

		v, err := txn.Get(dbi, []byte("user-0042"))
		require.NoError(t, err)
		assert.Equal(t, "user-0042-value", string(v))
		return nil
	}))
}

func TestGeometryValidation(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	// Page size must be a power of two in range.
	assert.Error(t, env.SetGeometry(-1, -1, -1, -1, -1, 1000))
	// Lower above upper.
	assert.Error(t, env.SetGeometry(2<<20, -1, 1<<20, -1, -1, -1))
	// Shrink threshold must exceed the growth step.
	assert.Error(t, env.SetGeometry(-1, -1, -1, 1<<20, 1<<20, -1))
	assert.Equal(t, ErrTooLarge, Code(env.SetGeometry(-1, -1, MaxMapSize(MinPageSize)*2, -1, -1, MinPageSize)))

	require.NoError(t, env.SetGeometryGeo(Geometry{
		SizeLower:       -1,
		SizeNow:         256 << 10,
		SizeUpper:       8 << 20,
		GrowthStep:      64 << 10,
		ShrinkThreshold: 128 << 10,
		PageSize:        8192,
	}))
	require.NoError(t, env.Open(filepath.Join(t.TempDir(), "geo.db"), NoSubdir, 0o644))
	defer env.Close()

	info, err := env.Info(nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), info.PageSize)
	assert.Equal(t, uint64(8<<20), info.Geo.Upper)
	assert.Equal(t, uint64(64<<10), info.Geo.Grow)

	// After open the geometry is changed by a write transaction.
	require.NoError(t, env.SetGeometry(-1, -1, 16<<20, -1, -1, -1))
	info, err = env.Info(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<20), info.Geo.Upper)
}

func TestMaxSizes(t *testing.T) {
	env := openTestEnv(t)

	assert.Greater(t, env.MaxKeySize(0), 0)
	assert.Greater(t, env.MaxValSize(0), env.MaxValSize(DupSort))
	assert.LessOrEqual(t, env.MaxKeySize(DupSort), env.MaxKeySize(0))
	assert.Greater(t, MaxTxnSize(DefaultPageSize), int64(0))

	require.NoError(t, env.Update(func(txn *Txn) error {
		big := bytes.Repeat([]byte("k"), env.MaxKeySize(0)+1)
		err := txn.Put(MainDBI, big, []byte("v"), 0)
		assert.Equal(t, ErrBadValSize, Code(err))
		return nil
	}))
}

func TestEnvInfoAndStat(t *testing.T) {
	env := openTestEnv(t)

	info, err := env.Info(nil)
	require.NoError(t, err)
	first := info.LastTxnID

	for i := 0; i < 10; i++ {
		mustPut(t, env, MainDBI, fmt.Sprintf("k%02d", i), "v")
	}

	info, err = env.Info(nil)
	require.NoError(t, err)
	assert.Equal(t, first+10, info.LastTxnID)
	assert.Equal(t, uint32(DefaultPageSize), info.PageSize)
	assert.Greater(t, info.MapSize, int64(0))
	assert.Greater(t, info.LastPNO, int64(NumMetas-1))

	steady := 0
	for _, m := range info.Meta {
		if m.Valid && m.Steady {
			steady++
		}
	}
	assert.Greater(t, steady, 0)

	st, err := env.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Entries)
	assert.Equal(t, uint32(1), st.Depth)

	// A read transaction sees the info of its own snapshot.
	txn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer txn.Abort()
	mustPut(t, env, MainDBI, "later", "v")

	info, err = env.Info(txn)
	require.NoError(t, err)
	assert.Equal(t, int64(txn.ID()), info.LastTxnID)
	assert.Equal(t, uint32(1), info.NumReaders)
}

func TestReaderListAndCheck(t *testing.T) {
	env := openTestEnv(t)
	mustPut(t, env, MainDBI, "a", "1")

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	mustPut(t, env, MainDBI, "b", "2")
	mustPut(t, env, MainDBI, "c", "3")

	readers, err := env.ReaderList()
	require.NoError(t, err)
	require.Len(t, readers, 1)
	assert.Equal(t, txn.ID(), readers[0].TxnID)
	assert.Equal(t, uint64(2), readers[0].Lag)
	assert.False(t, readers[0].Parked)

	// Reset keeps the slot without a snapshot.
	require.NoError(t, txn.Reset())
	readers, err = env.ReaderList()
	require.NoError(t, err)
	require.Len(t, readers, 1)
	assert.Zero(t, readers[0].TxnID)

	n, err := env.ReaderCheck()
	require.NoError(t, err)
	assert.Zero(t, n)

	txn.Abort()
	readers, err = env.ReaderList()
	require.NoError(t, err)
	assert.Empty(t, readers)
}

func TestReadersFull(t *testing.T) {
	env := openTestEnv(t, func(e *Env) {
		require.NoError(t, e.SetMaxReaders(2))
	})
	assert.Equal(t, 2, env.MaxReaders())

	a, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer a.Abort()
	b, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer b.Abort()

	_, err = env.BeginTxn(nil, TxnReadOnly)
	assert.Equal(t, ErrReadersFull, Code(err))
}

func TestWriteMetrics(t *testing.T) {
	env := openTestEnv(t)
	mustPut(t, env, MainDBI, "k", "v")
	require.NoError(t, env.View(func(*Txn) error { return nil }))

	var buf bytes.Buffer
	env.WriteMetrics(&buf)
	out := buf.String()
	assert.Contains(t, out, `sdbx_txn_committed_total{mode="write"} 1`)
	assert.Contains(t, out, `sdbx_txn_begun_total{mode="read"} 1`)
	assert.Contains(t, out, `sdbx_commit_phase_seconds_bucket{phase="whole"`)
}

func TestSyncModesAndAccede(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	first := openTestEnvAt(t, path, SafeNoSync)
	mustPut(t, first, MainDBI, "k", "v")

	// The sync mode is fixed by the first opener.
	env, err := NewEnv()
	require.NoError(t, err)
	err = env.Open(path, NoSubdir, 0o644)
	assert.Equal(t, ErrIncompatible, Code(err))

	second := openTestEnvAt(t, path, Accede)
	assert.Equal(t, SafeNoSync, second.Flags()&syncModeMask)

	info, err := first.Info(nil)
	require.NoError(t, err)
	assert.Greater(t, info.UnsyncedBytes, uint64(0))

	require.NoError(t, first.Sync(true, false))
	info, err = first.Info(nil)
	require.NoError(t, err)
	assert.Zero(t, info.UnsyncedBytes)
}

func TestAutoSyncThreshold(t *testing.T) {
	env := openTestEnvAt(t, filepath.Join(t.TempDir(), "test.db"), SafeNoSync, func(e *Env) {
		require.NoError(t, e.SetSyncBytes(1))
	})
	mustPut(t, env, MainDBI, "k", "v")

	info, err := env.Info(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.AutosyncThreshold)
	assert.Zero(t, info.UnsyncedBytes)

	var buf bytes.Buffer
	env.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "sdbx_autosync_total 1")
}

func TestFatalLatch(t *testing.T) {
	env := openTestEnv(t)
	assert.NoError(t, env.check(nil))

	err := env.check(NewError(ErrCorrupted))
	assert.True(t, IsCorrupted(err))

	_, err = env.BeginTxn(nil, TxnReadOnly)
	assert.Equal(t, ErrPanic, Code(err))
}

func TestFD(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)
	_, err = env.FD()
	assert.Equal(t, ErrInvalidArgument, Code(err))

	path := filepath.Join(t.TempDir(), "fd.db")
	require.NoError(t, env.Open(path, NoSubdir, 0o644))
	fd, err := env.FD()
	require.NoError(t, err)

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(fd), &st))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), st.Size)

	require.NoError(t, env.Close())
	_, err = env.FD()
	assert.Error(t, err)
}

func TestLockFileHeaderFlushed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env := openTestEnvAt(t, path, 0, func(e *Env) {
		require.NoError(t, e.SetMaxReaders(7))
	})
	mustPut(t, env, MainDBI, "k", "v")
	require.NoError(t, env.Close())

	raw, err := os.ReadFile(path + LockSuffix)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), lockHeaderSize)
	hdr := (*lockHeader)(unsafe.Pointer(&raw[0]))
	assert.Equal(t, lockMagic, hdr.magicAndVersion)
	assert.Equal(t, uint32(7), hdr.maxReaders)
}
