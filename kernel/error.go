package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that reporting an
// error never requires a memory allocation.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Fatal is set for errors that indicate a programming error in the
	// caller (a broken contract). The code returning such an error has
	// already refused to touch any shared state; the top-level driver is
	// expected to halt rather than continue.
	Fatal bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsFatal returns true if err is a non-nil fatal kernel error.
func IsFatal(err *Error) bool {
	return err != nil && err.Fatal
}
