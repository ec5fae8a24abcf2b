package sdbx

import (
	"os"
	"time"
)

// TxnOp is a function that operates on a transaction.
type TxnOp func(txn *Txn) error

// View executes a read-only transaction.
// The transaction is always aborted when fn returns.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update executes a read-write transaction.
// The transaction is automatically committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// RunTxn runs a transaction with the given flags.
// The transaction is automatically committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) RunTxn(flags TxnFlags, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	return txn.run(fn)
}

// Sub runs fn in a nested transaction. Its changes reach txn only if fn
// returns nil.
func (txn *Txn) Sub(fn TxnOp) error {
	child, err := txn.env.BeginTxn(txn, 0)
	if err != nil {
		return err
	}
	return child.run(fn)
}

func (txn *Txn) run(fn TxnOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			txn.Abort()
			panic(r)
		}
	}()
	if err = fn(txn); err != nil {
		txn.Abort()
		return err
	}
	if txn.IsReadOnly() {
		txn.Abort()
		return nil
	}
	_, err = txn.Commit()
	if IsResultTrue(err) {
		return NewError(ErrBadTxn)
	}
	return err
}

// Options collects everything Open configures before opening an
// environment. Zero values keep the defaults.
type Options struct {
	Flags      EnvFlags
	Mode       os.FileMode
	Geometry   *Geometry
	MaxReaders int
	MaxTables  int
	CacheSize  int
	SyncBytes  uint64
	SyncPeriod time.Duration
	Logger     Logger
	// SpillThreshold is passed to SetSpillThreshold; a negative value
	// disables spilling.
	SpillThreshold int

	HandleSlowReaders HandleSlowReadersFunc
}

// Open creates an environment, applies opts and opens path.
func Open(path string, opts Options) (*Env, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	if err := opts.apply(env); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := env.Open(path, opts.Flags, mode); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (o Options) apply(env *Env) error {
	if o.Geometry != nil {
		if err := env.SetGeometryGeo(*o.Geometry); err != nil {
			return err
		}
	}
	if o.MaxReaders > 0 {
		if err := env.SetMaxReaders(o.MaxReaders); err != nil {
			return err
		}
	}
	if o.MaxTables > 0 {
		if err := env.SetMaxTables(o.MaxTables); err != nil {
			return err
		}
	}
	if o.CacheSize > 0 {
		if err := env.SetCacheSize(o.CacheSize); err != nil {
			return err
		}
	}
	if o.SyncBytes > 0 {
		if err := env.SetSyncBytes(o.SyncBytes); err != nil {
			return err
		}
	}
	if o.SyncPeriod > 0 {
		if err := env.SetSyncPeriod(o.SyncPeriod); err != nil {
			return err
		}
	}
	if o.SpillThreshold != 0 {
		if err := env.SetSpillThreshold(max(o.SpillThreshold, 0)); err != nil {
			return err
		}
	}
	if o.Logger != nil {
		if err := env.SetLogger(o.Logger); err != nil {
			return err
		}
	}
	if o.HandleSlowReaders != nil {
		env.SetHandleSlowReaders(o.HandleSlowReaders)
	}
	return nil
}

// Multi wraps a chunk of fixed-size values returned by GetMultiple,
// NextMultiple or PrevMultiple.
type Multi struct {
	page   []byte
	stride int
}

// WrapMulti creates a Multi from a chunk and the value size of the table.
func WrapMulti(page []byte, stride int) *Multi {
	return &Multi{page: page, stride: stride}
}

// Vals returns the values as slices of the chunk.
func (m *Multi) Vals() [][]byte {
	n := m.Len()
	vals := make([][]byte, n)
	for i := range vals {
		vals[i] = m.Val(i)
	}
	return vals
}

// Val returns the i-th value.
func (m *Multi) Val(i int) []byte {
	off := i * m.stride
	return m.page[off : off+m.stride : off+m.stride]
}

// Len returns the number of values.
func (m *Multi) Len() int {
	if m.stride <= 0 {
		return 0
	}
	return len(m.page) / m.stride
}

// Stride returns the value size.
func (m *Multi) Stride() int { return m.stride }

// Page returns the raw chunk.
func (m *Multi) Page() []byte { return m.page }
