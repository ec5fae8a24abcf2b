package sdbx

import "github.com/Giulio2002/sdbx/internal/storage"

// Page size constraints
const (
	// MinPageSize is the minimum allowed page size (256 bytes)
	MinPageSize = storage.MinPageSize

	// MaxPageSize is the maximum allowed page size (64KB)
	MaxPageSize = storage.MaxPageSize

	// DefaultPageSize is the default page size (4KB)
	DefaultPageSize = storage.DefaultPageSize
)

// Database limits
const (
	// MaxDBI is the maximum number of named tables
	MaxDBI = 32765

	// MaxPageNo is the largest addressable page number
	MaxPageNo uint32 = 0x7FFFffff

	// NumMetas is the number of meta pages (rotating)
	NumMetas = storage.NumMetas

	// CoreDBs is the number of core tables (GC and Main)
	CoreDBs = 2
)

// DBI is a table handle. Handles are shared by all transactions of an
// environment once the table is visible to them.
type DBI uint32

const (
	// FreeDBI is the handle of the free page table. It supports Stat only.
	FreeDBI DBI = 0

	// MainDBI is the handle of the default table
	MainDBI DBI = 1
)

// EnvFlags configure an environment at open.
type EnvFlags uint

const (
	// EnvDefaults is the default (durable) mode
	EnvDefaults EnvFlags = 0

	// NoSubdir means the path is a filename, not a directory
	NoSubdir EnvFlags = 0x00004000

	// SafeNoSync skips the data flush; commits are weak until the next sync
	SafeNoSync EnvFlags = 0x00010000

	// ReadOnly opens the environment in read-only mode
	ReadOnly EnvFlags = 0x00020000

	// NoMetaSync skips meta page sync after commit
	NoMetaSync EnvFlags = 0x00040000

	// StickyThreads binds each transaction to the OS thread that began it.
	// Goroutines using it must call runtime.LockOSThread.
	StickyThreads EnvFlags = 0x00100000

	// Exclusive opens in exclusive/monopolistic mode
	Exclusive EnvFlags = 0x00400000

	// Accede uses the existing mode if the environment is opened by other
	// processes instead of failing
	Accede EnvFlags = 0x40000000

	// UtterlyNoSync skips all syncs
	UtterlyNoSync = SafeNoSync | NoMetaSync

	// Durable is an alias for EnvDefaults
	Durable = EnvDefaults

	syncModeMask = SafeNoSync | NoMetaSync
	envFlagsMask = NoSubdir | SafeNoSync | ReadOnly | NoMetaSync | StickyThreads | Exclusive | Accede
)

// TxnFlags configure a transaction at begin.
type TxnFlags uint

const (
	// TxnReadWrite is the default read-write transaction
	TxnReadWrite TxnFlags = 0

	// TxnNoSync skips the data flush for this transaction
	TxnNoSync TxnFlags = 0x00010000

	// TxnReadOnly creates a read-only transaction
	TxnReadOnly TxnFlags = 0x00020000

	// TxnNoMetaSync skips meta sync for this transaction
	TxnNoMetaSync TxnFlags = 0x00040000

	// TxnTry fails with ErrBusy instead of waiting for the writer lock
	TxnTry TxnFlags = 0x10000000

	txnFlagsMask = TxnNoSync | TxnReadOnly | TxnNoMetaSync | TxnTry
)

// Transaction flag aliases (short naming convention)
const (
	TxRW         = TxnReadWrite
	TxRO         = TxnReadOnly
	TxNoSync     = TxnNoSync
	TxNoMetaSync = TxnNoMetaSync
)

// TableFlags select the ordering and duplicate policy of a table.
type TableFlags uint

const (
	// DBDefaults uses lexicographic keys without duplicates
	DBDefaults TableFlags = 0

	// ReverseKey compares keys from their last byte
	ReverseKey TableFlags = 0x02

	// DupSort allows multiple values per key (sorted)
	DupSort TableFlags = 0x04

	// IntegerKey uses uint32/uint64 keys in native byte order
	IntegerKey TableFlags = 0x08

	// DupFixed requires all values of a DupSort table to have one size
	DupFixed TableFlags = 0x10

	// IntegerDup uses uint32/uint64 values in native byte order
	IntegerDup TableFlags = 0x20

	// ReverseDup compares values from their last byte
	ReverseDup TableFlags = 0x40

	// Create creates the table if it doesn't exist
	Create TableFlags = 0x40000

	// DBAccede opens an existing table with whatever flags it was created with
	DBAccede TableFlags = 0x40000000

	// persistentFlags are stored with the table
	persistentFlags = ReverseKey | DupSort | IntegerKey | DupFixed | IntegerDup | ReverseDup
	tableFlagsMask  = persistentFlags | Create | DBAccede
)

// validate rejects nonsensical flag combinations.
func (f TableFlags) validate() error {
	if f&^tableFlagsMask != 0 {
		return NewError(ErrInvalidArgument)
	}
	if f&(DupFixed|IntegerDup|ReverseDup) != 0 && f&DupSort == 0 {
		return NewError(ErrInvalidArgument)
	}
	if f&IntegerDup != 0 && f&DupFixed == 0 {
		return NewError(ErrInvalidArgument)
	}
	return nil
}

// PutFlags select the behavior of Put and cursor Put/Del.
type PutFlags uint

const (
	// Upsert is the default insert-or-update mode
	Upsert PutFlags = 0

	// NoOverwrite returns ErrKeyExist if the key exists
	NoOverwrite PutFlags = 0x10

	// NoDupData returns ErrKeyExist if the key-value pair exists (DupSort)
	NoDupData PutFlags = 0x20

	// Current overwrites the entry under the cursor
	Current PutFlags = 0x40

	// AllDups replaces (Put) or removes (Del) all duplicates of the key
	AllDups PutFlags = 0x80

	// Append assumes the key sorts after every existing key
	Append PutFlags = 0x20000

	// AppendDup assumes the value sorts after every value of its key
	AppendDup PutFlags = 0x40000

	putFlagsMask = NoOverwrite | NoDupData | Current | AllDups | Append | AppendDup
)

// CursorOp selects a cursor movement.
type CursorOp uint

const (
	// First positions at first key/data item
	First CursorOp = 0
	// FirstDup positions at first data item of current key (DupSort)
	FirstDup CursorOp = 1
	// GetBoth positions at key/data pair (DupSort)
	GetBoth CursorOp = 2
	// GetBothRange positions at key, nearest data >= given (DupSort)
	GetBothRange CursorOp = 3
	// GetCurrent returns key/data at current cursor position
	GetCurrent CursorOp = 4
	// GetMultiple returns a page of values from the current position (DupFixed)
	GetMultiple CursorOp = 5
	// Last positions at last key/data item
	Last CursorOp = 6
	// LastDup positions at last data item of current key (DupSort)
	LastDup CursorOp = 7
	// Next positions at next data item
	Next CursorOp = 8
	// NextDup positions at next data item of current key (DupSort)
	NextDup CursorOp = 9
	// NextMultiple returns the next page of values of the current key (DupFixed)
	NextMultiple CursorOp = 10
	// NextNoDup positions at first data item of next key
	NextNoDup CursorOp = 11
	// Prev positions at previous data item
	Prev CursorOp = 12
	// PrevDup positions at previous data item of current key (DupSort)
	PrevDup CursorOp = 13
	// PrevNoDup positions at last data item of previous key
	PrevNoDup CursorOp = 14
	// Set positions at specified key
	Set CursorOp = 15
	// SetKey positions at specified key, returning key and data
	SetKey CursorOp = 16
	// SetRange positions at first key >= specified key
	SetRange CursorOp = 17
	// PrevMultiple returns the previous page of values of the current key (DupFixed)
	PrevMultiple CursorOp = 18
	// SetLowerbound positions at first key/data >= specified; an inexact
	// match is reported as ResultTrue
	SetLowerbound CursorOp = 19
	// SetUpperbound positions at first key/data > specified
	SetUpperbound CursorOp = 20
)

// File names
const (
	// DataFileName is the data file name in an environment directory
	DataFileName = "sdbx.dat"

	// LockFileName is the lock file name in an environment directory
	LockFileName = "sdbx.lck"

	// LockSuffix is appended when NoSubdir is used
	LockSuffix = "-lck"
)
