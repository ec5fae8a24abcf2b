package sdbx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultipleNamedDatabases(t *testing.T) {
	env := openTestEnv(t)

	var users, orders DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		users, err = txn.OpenDBISimple("users", Create)
		require.NoError(t, err)
		orders, err = txn.OpenDBISimple("orders", Create|DupSort)
		require.NoError(t, err)
		assert.NotEqual(t, users, orders)

		// Same name, same handle.
		again, err := txn.OpenDBISimple("users", 0)
		require.NoError(t, err)
		assert.Equal(t, users, again)

		require.NoError(t, txn.Put(users, []byte("alice"), []byte("1"), 0))
		require.NoError(t, txn.Put(orders, []byte("alice"), []byte("o1"), 0))
		return txn.Put(orders, []byte("alice"), []byte("o2"), 0)
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		names, err := txn.ListTables()
		require.NoError(t, err)
		assert.Equal(t, []string{"orders", "users"}, names)

		v, err := txn.Get(users, []byte("alice"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		_, n, err := txn.GetEx(orders, []byte("alice"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		flags, err := txn.Flags(orders)
		require.NoError(t, err)
		assert.Equal(t, DupSort, flags)
		return nil
	}))
}

func TestTableVisibility(t *testing.T) {
	env := openTestEnv(t)

	w, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := w.OpenDBISimple("fresh", Create)
	require.NoError(t, err)
	require.NoError(t, w.Put(dbi, []byte("k"), []byte("v"), 0))

	// An uncommitted table is invisible to other transactions and its
	// handle cannot be closed.
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("fresh", 0)
		assert.True(t, IsNotFound(err))
		_, err = txn.Get(dbi, []byte("k"))
		assert.Equal(t, ErrBadDBI, Code(err))
		return nil
	}))
	assert.Equal(t, ErrBusy, Code(env.CloseDBI(dbi)))

	// Aborting discards it.
	w.Abort()
	require.NoError(t, env.Update(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("fresh", 0)
		assert.True(t, IsNotFound(err))
		return nil
	}))

	// Committing publishes it.
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err = txn.OpenDBISimple("fresh", Create)
		require.NoError(t, err)
		return txn.Put(dbi, []byte("k"), []byte("v"), 0)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Get(dbi, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
		return nil
	}))

	require.NoError(t, env.CloseDBI(dbi))
	assert.Equal(t, ErrBadDBI, Code(env.CloseDBI(dbi)))
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Get(dbi, []byte("k"))
		assert.Equal(t, ErrBadDBI, Code(err))
		return nil
	}))
}

func TestOpenTableErrors(t *testing.T) {
	env := openTestEnv(t)

	require.NoError(t, env.Update(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("t", Create|DupSort|DupFixed)
		return err
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("missing", 0)
		assert.True(t, IsNotFound(err))

		_, err = txn.OpenDBISimple("missing", Create)
		assert.Equal(t, ErrPermissionDenied, Code(err))

		// Persisted flags must match.
		_, err = txn.OpenDBISimple("t", 0)
		assert.Equal(t, ErrIncompatible, Code(err))

		// DBAccede adopts them wholesale.
		dbi, err := txn.OpenDBISimple("t", DBAccede)
		require.NoError(t, err)
		flags, err := txn.Flags(dbi)
		require.NoError(t, err)
		assert.Equal(t, DupSort|DupFixed, flags)

		// Nonsensical combinations are rejected eagerly.
		_, err = txn.OpenDBISimple("x", Create|DupFixed)
		assert.Equal(t, ErrInvalidArgument, Code(err))
		_, err = txn.OpenDBISimple("x", Create|DupSort|IntegerDup)
		assert.Equal(t, ErrInvalidArgument, Code(err))
		_, err = txn.OpenDBISimple("x", TableFlags(0x1))
		assert.Equal(t, ErrInvalidArgument, Code(err))

		_, err = txn.Get(FreeDBI, []byte("k"))
		assert.Equal(t, ErrBadDBI, Code(err))
		_, err = txn.Get(DBI(999), []byte("k"))
		assert.Equal(t, ErrBadDBI, Code(err))
		return nil
	}))
}

func TestMaxTables(t *testing.T) {
	env := openTestEnv(t, func(e *Env) {
		require.NoError(t, e.SetMaxTables(2))
	})
	assert.Equal(t, 2, env.MaxTables())

	require.NoError(t, env.Update(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("a", Create)
		require.NoError(t, err)
		_, err = txn.OpenDBISimple("b", Create)
		require.NoError(t, err)
		_, err = txn.OpenDBISimple("c", Create)
		assert.Equal(t, ErrDBsFull, Code(err))
		return nil
	}))
}

func TestMainTableFlags(t *testing.T) {
	env := openTestEnv(t)

	require.NoError(t, env.Update(func(txn *Txn) error {
		// The empty default table may change its flags.
		dbi, err := txn.OpenDBISimple("", Create|DupSort)
		require.NoError(t, err)
		assert.Equal(t, MainDBI, dbi)

		require.NoError(t, txn.Put(MainDBI, []byte("k"), []byte("a"), 0))
		require.NoError(t, txn.Put(MainDBI, []byte("k"), []byte("b"), 0))

		// Not once it holds data.
		_, err = txn.OpenDBISimple("", Create)
		assert.Equal(t, ErrIncompatible, Code(err))

		// Named tables need a plain default table.
		_, err = txn.OpenDBISimple("named", Create)
		assert.Equal(t, ErrIncompatible, Code(err))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		flags, err := txn.Flags(MainDBI)
		require.NoError(t, err)
		assert.Equal(t, DupSort, flags)
		_, n, err := txn.GetEx(MainDBI, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)
		return nil
	}))
}

func TestDropTable(t *testing.T) {
	env := openTestEnv(t)

	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("items", Create)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			require.NoError(t, txn.Put(dbi, []byte(fmt.Sprintf("%05d", i)), bytes.Repeat([]byte("v"), 100), 0))
		}
		_, err = txn.Sequence(dbi, 7)
		return err
	}))

	// Empty keeps the table and its sequence.
	require.NoError(t, env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Drop(dbi, false))
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
		assert.Zero(t, st.Depth)

		// Emptying an empty table is a no-op.
		require.NoError(t, txn.Drop(dbi, false))
		seq, err := txn.Sequence(dbi, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), seq)
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
		return nil
	}))

	// Delete removes it and invalidates the handle at commit.
	require.NoError(t, env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Drop(dbi, true))
		_, err := txn.Get(dbi, []byte("00001"))
		assert.Equal(t, ErrBadDBI, Code(err))
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("items", 0)
		assert.True(t, IsNotFound(err))
		names, err := txn.ListTables()
		require.NoError(t, err)
		assert.Empty(t, names)
		return nil
	}))
}

func TestDropErrors(t *testing.T) {
	env := openTestEnv(t)

	require.NoError(t, env.Update(func(txn *Txn) error {
		assert.Equal(t, ErrInvalidArgument, Code(txn.Drop(FreeDBI, false)))
		assert.Equal(t, ErrInvalidArgument, Code(txn.Drop(MainDBI, true)))

		_, err := txn.OpenDBISimple("t", Create)
		require.NoError(t, err)
		assert.Equal(t, ErrIncompatible, Code(txn.Drop(MainDBI, false)))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Equal(t, ErrPermissionDenied, Code(txn.Drop(MainDBI, false)))
		return nil
	}))

	// Deleting and recreating in one transaction.
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("t", 0)
		require.NoError(t, err)
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v"), 0))
		require.NoError(t, txn.Drop(dbi, true))
		dbi, err = txn.OpenDBISimple("t", Create|DupSort)
		require.NoError(t, err)
		return txn.Put(dbi, []byte("k"), []byte("w"), 0)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("t", DupSort)
		require.NoError(t, err)
		v, err := txn.Get(dbi, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "w", string(v))
		return nil
	}))
}

func TestSequence(t *testing.T) {
	env := openTestEnv(t)

	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("seq", Create)
		require.NoError(t, err)

		v, err := txn.Sequence(dbi, 1)
		require.NoError(t, err)
		assert.Zero(t, v)
		v, err = txn.Sequence(dbi, 10)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)

		v, err = txn.Sequence(MainDBI, 3)
		require.NoError(t, err)
		assert.Zero(t, v)
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Sequence(dbi, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), v)
		v, err = txn.Sequence(MainDBI, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), v)

		_, err = txn.Sequence(dbi, 1)
		assert.Equal(t, ErrPermissionDenied, Code(err))
		return nil
	}))

	// Overflow leaves the counter alone.
	require.NoError(t, env.Update(func(txn *Txn) error {
		v, err := txn.Sequence(dbi, math.MaxUint64)
		assert.True(t, IsResultTrue(err))
		assert.Equal(t, uint64(11), v)
		v, err = txn.Sequence(dbi, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), v)
		return nil
	}))
}

func TestFlagsExStates(t *testing.T) {
	env := openTestEnv(t)

	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("t", Create)
		require.NoError(t, err)
		_, state, err := txn.FlagsEx(dbi)
		require.NoError(t, err)
		assert.NotZero(t, state&DBIStateCreat)
		assert.NotZero(t, state&DBIStateDirty)
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		_, state, err := txn.FlagsEx(dbi)
		require.NoError(t, err)
		assert.NotZero(t, state&DBIStateStale)
		assert.Zero(t, state&DBIStateDirty)

		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v"), 0))
		_, state, err = txn.FlagsEx(dbi)
		require.NoError(t, err)
		assert.Zero(t, state&DBIStateStale)
		assert.NotZero(t, state&DBIStateDirty)
		return nil
	}))
}

func TestStat(t *testing.T) {
	env := openTestEnv(t)

	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("t", Create)
		require.NoError(t, err)
		for i := 0; i < 2000; i++ {
			require.NoError(t, txn.Put(dbi, []byte(fmt.Sprintf("key-%06d", i)), []byte("value"), 0))
		}
		require.NoError(t, txn.Put(dbi, []byte("big"), bytes.Repeat([]byte("b"), 3*DefaultPageSize-64), 0))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(2001), st.Entries)
		assert.Equal(t, uint32(DefaultPageSize), st.PSize)
		assert.Greater(t, st.Depth, uint32(1))
		assert.Greater(t, st.BranchPages, uint64(0))
		assert.Greater(t, st.LeafPages, st.BranchPages)
		assert.Equal(t, uint64(3), st.OverflowPages)

		_, err = txn.Stat(FreeDBI)
		require.NoError(t, err)
		return nil
	}))
}

func TestIntegerKey(t *testing.T) {
	env := openTestEnv(t)

	key := func(n uint64) []byte {
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, n)
		return b
	}
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("ints", Create|IntegerKey)
		require.NoError(t, err)
		for _, n := range []uint64{300, 1, 70000, 2, 1 << 40} {
			require.NoError(t, txn.Put(dbi, key(n), []byte("v"), 0))
		}
		assert.Equal(t, ErrBadValSize, Code(txn.Put(dbi, []byte("abc"), []byte("v"), 0)))

		c, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer c.Close()
		var got []uint64
		for k, _, err := c.Get(nil, nil, First); err == nil; k, _, err = c.Get(nil, nil, Next) {
			got = append(got, binary.NativeEndian.Uint64(k))
		}
		assert.Equal(t, []uint64{1, 2, 300, 70000, 1 << 40}, got)
		assert.Less(t, txn.Cmp(dbi, key(2), key(300)), 0)
		return nil
	}))
}

func TestReverseKey(t *testing.T) {
	env := openTestEnv(t)

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("rev", Create|ReverseKey)
		require.NoError(t, err)
		for _, k := range []string{"ab", "ba", "ca", "ac"} {
			require.NoError(t, txn.Put(dbi, []byte(k), []byte("v"), 0))
		}
		c, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer c.Close()
		var got []string
		for k, _, err := c.Get(nil, nil, First); err == nil; k, _, err = c.Get(nil, nil, Next) {
			got = append(got, string(k))
		}
		// Compared from the last byte.
		assert.Equal(t, []string{"ba", "ca", "ab", "ac"}, got)
		return nil
	}))
}

func TestCustomComparator(t *testing.T) {
	env := openTestEnv(t)
	desc := func(a, b []byte) int { return bytes.Compare(b, a) }

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBI("desc", Create|DupSort, desc, desc)
		require.NoError(t, err)
		for _, k := range []string{"a", "c", "b"} {
			require.NoError(t, txn.Put(dbi, []byte(k), []byte("1"), 0))
			require.NoError(t, txn.Put(dbi, []byte(k), []byte("2"), 0))
		}
		c, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer c.Close()
		var got []string
		for k, v, err := c.Get(nil, nil, First); err == nil; k, v, err = c.Get(nil, nil, Next) {
			got = append(got, string(k)+string(v))
		}
		assert.Equal(t, []string{"c2", "c1", "b2", "b1", "a2", "a1"}, got)
		assert.Greater(t, txn.DCmp(dbi, []byte("1"), []byte("2")), 0)
		return nil
	}))
}

func TestTablesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(path, NoSubdir, 0o644))
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("fixed", Create|DupSort|DupFixed|IntegerDup)
		require.NoError(t, err)
		v := make([]byte, 4)
		for i := uint32(0); i < 10; i++ {
			binary.NativeEndian.PutUint32(v, i)
			require.NoError(t, txn.Put(dbi, []byte("k"), v, 0))
		}
		_, err = txn.Sequence(dbi, 42)
		return err
	}))
	require.NoError(t, env.Close())

	env = openTestEnvAt(t, path, 0)
	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("fixed", DupSort|DupFixed|IntegerDup)
		require.NoError(t, err)
		_, n, err := txn.GetEx(dbi, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, uint64(10), n)
		seq, err := txn.Sequence(dbi, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), seq)
		return nil
	}))
}
