package storage

import "errors"

// Sentinel errors returned by the storage engine. The session layer maps
// them onto its error codes.
var (
	ErrCorrupted    = errors.New("storage: page content is corrupted")
	ErrPageNotFound = errors.New("storage: page number out of range")
	ErrMapFull      = errors.New("storage: map size limit reached")
	ErrTxnFull      = errors.New("storage: too many dirty pages")
	ErrCursorFull   = errors.New("storage: tree is too deep")
	ErrInvalid      = errors.New("storage: not a database file")
	ErrVersion      = errors.New("storage: database format version mismatch")
	ErrBadPageSize  = errors.New("storage: invalid page size")
	ErrWannaRecover = errors.New("storage: recovery required but file is read-only")
	ErrReadOnly     = errors.New("storage: store is read-only")
	ErrNotFound     = errors.New("storage: entry not found")
	ErrTooLarge     = errors.New("storage: geometry exceeds limits")
)

// Error wraps a failed operation on a specific page.
type Error struct {
	Op   string
	Pgno Pgno
	Err  error
}

func (e *Error) Error() string {
	return "storage: " + e.Op + " page " + itoa(uint64(e.Pgno)) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
