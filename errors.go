package sdbx

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/Giulio2002/sdbx/internal/platform"
	"github.com/Giulio2002/sdbx/internal/storage"
)

// Error represents an sdbx error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sdbx: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("sdbx: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so errors.Is works against
// the ErrXxxError variables.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorCode represents MDBX-compatible error codes
type ErrorCode int

// Error codes - matching MDBX numbering
const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ResultFalse is an alias for Success
	ResultFalse = Success

	// ResultTrue indicates success with special meaning: an inexact bound
	// match, a detected sequence overflow or a commit of a broken
	// transaction that was rolled back instead.
	ResultTrue ErrorCode = -1

	// ErrKeyExist indicates the key/data pair already exists
	ErrKeyExist ErrorCode = -30799

	// ErrNotFound indicates the key/data pair was not found (EOF)
	ErrNotFound ErrorCode = -30798

	// ErrPageNotFound indicates a requested page was not found (corruption)
	ErrPageNotFound ErrorCode = -30797

	// ErrCorrupted indicates the database is corrupted
	ErrCorrupted ErrorCode = -30796

	// ErrPanic indicates a fatal environment error
	ErrPanic ErrorCode = -30795

	// ErrVersionMismatch indicates DB version doesn't match library
	ErrVersionMismatch ErrorCode = -30794

	// ErrInvalid indicates the file is not a valid database
	ErrInvalid ErrorCode = -30793

	// ErrMapFull indicates the environment upper size was reached
	ErrMapFull ErrorCode = -30792

	// ErrDBsFull indicates the environment max tables was reached
	ErrDBsFull ErrorCode = -30791

	// ErrReadersFull indicates the environment max readers was reached
	ErrReadersFull ErrorCode = -30790

	// ErrTxnFull indicates the transaction has too many dirty pages
	ErrTxnFull ErrorCode = -30788

	// ErrCursorFull indicates cursor stack overflow (corruption)
	ErrCursorFull ErrorCode = -30787

	// ErrIncompatible indicates incompatible operation or flags
	ErrIncompatible ErrorCode = -30784

	// ErrBadRSlot indicates reader slot was corrupted or reused
	ErrBadRSlot ErrorCode = -30783

	// ErrBadTxn indicates the transaction is invalid
	ErrBadTxn ErrorCode = -30782

	// ErrBadValSize indicates invalid key or data size
	ErrBadValSize ErrorCode = -30781

	// ErrBadDBI indicates the table handle is invalid
	ErrBadDBI ErrorCode = -30780

	// ErrProblem indicates an unexpected internal error
	ErrProblem ErrorCode = -30779

	// ErrBusy indicates another write transaction is running or the
	// environment is locked by another process
	ErrBusy ErrorCode = -30778

	// ErrMultiVal indicates the key has multiple associated values
	ErrMultiVal ErrorCode = -30421

	// ErrBadSign indicates bad signature (memory corruption or misuse)
	ErrBadSign ErrorCode = -30420

	// ErrWannaRecovery indicates recovery is needed but DB is read-only
	ErrWannaRecovery ErrorCode = -30419

	// ErrKeyMismatch indicates key mismatch with cursor position
	ErrKeyMismatch ErrorCode = -30418

	// ErrTooLarge indicates database is too large for system
	ErrTooLarge ErrorCode = -30417

	// ErrThreadMismatch indicates thread attempted to use unowned object
	ErrThreadMismatch ErrorCode = -30416

	// ErrTxnOverlapping indicates overlapping read/write transactions
	ErrTxnOverlapping ErrorCode = -30415

	// ErrOusted indicates the reader was evicted by the slow-reader handler
	ErrOusted ErrorCode = -30411
)

// Resource errors keep their errno values.
const (
	ErrDirectoryMissing ErrorCode = 2  // ENOENT
	ErrIO               ErrorCode = 5  // EIO
	ErrNoMemory         ErrorCode = 12 // ENOMEM
	ErrPermissionDenied ErrorCode = 13 // EACCES
	ErrInvalidArgument  ErrorCode = 22 // EINVAL
)

// Error descriptions
var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ResultTrue:          "operation result true",
	ErrKeyExist:         "key/data pair already exists",
	ErrNotFound:         "key/data pair not found",
	ErrPageNotFound:     "requested page not found",
	ErrCorrupted:        "database is corrupted",
	ErrPanic:            "fatal environment error",
	ErrVersionMismatch:  "database version mismatch",
	ErrInvalid:          "file is not a valid database",
	ErrMapFull:          "environment size limit reached",
	ErrDBsFull:          "environment max tables limit reached",
	ErrReadersFull:      "environment max readers limit reached",
	ErrTxnFull:          "transaction has too many dirty pages",
	ErrCursorFull:       "cursor stack overflow",
	ErrIncompatible:     "incompatible operation or flags",
	ErrBadRSlot:         "reader slot corrupted or reused",
	ErrBadTxn:           "transaction is invalid",
	ErrBadValSize:       "invalid key or value size",
	ErrBadDBI:           "invalid table handle",
	ErrProblem:          "unexpected internal error",
	ErrBusy:             "environment is busy",
	ErrMultiVal:         "key has multiple values",
	ErrBadSign:          "bad signature",
	ErrWannaRecovery:    "recovery needed but database is read-only",
	ErrKeyMismatch:      "key mismatch with cursor position",
	ErrTooLarge:         "database too large for system",
	ErrThreadMismatch:   "thread attempted to use unowned object",
	ErrTxnOverlapping:   "overlapping transactions",
	ErrOusted:           "reader was evicted",
	ErrDirectoryMissing: "no such file or directory",
	ErrIO:               "input/output error",
	ErrNoMemory:         "out of memory",
	ErrPermissionDenied: "permission denied",
	ErrInvalidArgument:  "invalid argument",
}

// Kind groups error codes by how callers are expected to react.
type Kind int

const (
	// KindNone is the kind of Success.
	KindNone Kind = iota
	// KindResult marks a successful call with a distinguished outcome.
	KindResult
	// KindNotFound marks an absent key or entry.
	KindNotFound
	// KindIntegrity marks corruption; the environment must be reopened.
	KindIntegrity
	// KindCapacity marks an exhausted limit.
	KindCapacity
	// KindContract marks misuse of a handle or an argument.
	KindContract
	// KindConcurrency marks a conflict with another writer or process.
	KindConcurrency
	// KindCompatibility marks a format or flag mismatch.
	KindCompatibility
	// KindResource marks an operating system failure.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindResult:
		return "result"
	case KindNotFound:
		return "not-found"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	case KindContract:
		return "contract-violation"
	case KindConcurrency:
		return "concurrency"
	case KindCompatibility:
		return "compatibility"
	default:
		return "resource"
	}
}

// Kind returns the category of the code.
func (c ErrorCode) Kind() Kind {
	switch c {
	case Success:
		return KindNone
	case ResultTrue:
		return KindResult
	case ErrNotFound:
		return KindNotFound
	case ErrCorrupted, ErrPageNotFound, ErrBadSign, ErrPanic:
		return KindIntegrity
	case ErrMapFull, ErrDBsFull, ErrReadersFull, ErrTxnFull, ErrCursorFull, ErrTooLarge:
		return KindCapacity
	case ErrBadTxn, ErrBadDBI, ErrThreadMismatch, ErrTxnOverlapping, ErrKeyMismatch,
		ErrBadValSize, ErrBadRSlot, ErrInvalidArgument, ErrKeyExist, ErrMultiVal, ErrOusted:
		return KindContract
	case ErrBusy:
		return KindConcurrency
	case ErrVersionMismatch, ErrIncompatible, ErrInvalid, ErrWannaRecovery:
		return KindCompatibility
	default:
		return KindResource
	}
}

func (c ErrorCode) String() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.String()}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Common error variables for use with errors.Is
var (
	ErrKeyExistError       = NewError(ErrKeyExist)
	ErrNotFoundError       = NewError(ErrNotFound)
	ErrCorruptedError      = NewError(ErrCorrupted)
	ErrMapFullError        = NewError(ErrMapFull)
	ErrBadTxnError         = NewError(ErrBadTxn)
	ErrBadDBIError         = NewError(ErrBadDBI)
	ErrBusyError           = NewError(ErrBusy)
	ErrIncompatibleError   = NewError(ErrIncompatible)
	ErrThreadMismatchError = NewError(ErrThreadMismatch)
)

func hasCode(err error, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound) }

// IsKeyExist returns true if the error is ErrKeyExist
func IsKeyExist(err error) bool { return hasCode(err, ErrKeyExist) }

// IsCorrupted returns true if the error indicates database corruption
func IsCorrupted(err error) bool { return hasCode(err, ErrCorrupted, ErrPageNotFound) }

// IsMapFull returns true if the error is ErrMapFull
func IsMapFull(err error) bool { return hasCode(err, ErrMapFull) }

// IsBusy returns true if the error is ErrBusy
func IsBusy(err error) bool { return hasCode(err, ErrBusy) }

// IsResultTrue reports whether err is the ResultTrue outcome. Such results
// are returned as errors so they cannot be ignored by accident, but the
// operation itself succeeded.
func IsResultTrue(err error) bool { return hasCode(err, ResultTrue) }

// IsFatal reports whether err leaves the environment unusable.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code.Kind() == KindIntegrity
}

// Code returns the error code from an error, or ErrProblem if not an sdbx error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}

// translate converts errors from the storage and platform layers.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return WrapError(ErrNotFound, err)
	case errors.Is(err, storage.ErrCorrupted):
		return WrapError(ErrCorrupted, err)
	case errors.Is(err, storage.ErrPageNotFound):
		return WrapError(ErrPageNotFound, err)
	case errors.Is(err, storage.ErrMapFull):
		return WrapError(ErrMapFull, err)
	case errors.Is(err, storage.ErrTxnFull):
		return WrapError(ErrTxnFull, err)
	case errors.Is(err, storage.ErrCursorFull):
		return WrapError(ErrCursorFull, err)
	case errors.Is(err, storage.ErrInvalid), errors.Is(err, storage.ErrBadPageSize):
		return WrapError(ErrInvalid, err)
	case errors.Is(err, storage.ErrVersion):
		return WrapError(ErrVersionMismatch, err)
	case errors.Is(err, storage.ErrWannaRecover):
		return WrapError(ErrWannaRecovery, err)
	case errors.Is(err, storage.ErrReadOnly):
		return WrapError(ErrPermissionDenied, err)
	case errors.Is(err, storage.ErrTooLarge):
		return WrapError(ErrTooLarge, err)
	case errors.Is(err, platform.ErrWouldBlock):
		return WrapError(ErrBusy, err)
	case errors.Is(err, fs.ErrNotExist):
		return WrapError(ErrDirectoryMissing, err)
	case errors.Is(err, fs.ErrPermission):
		return WrapError(ErrPermissionDenied, err)
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return WrapError(ErrIO, err)
	}
	return WrapError(ErrProblem, err)
}
