package platform

// Error wraps a failed system call with the operation that issued it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "platform: " + e.Op + ": " + e.Err.Error()
	}
	return "platform: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}
