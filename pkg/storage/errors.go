package storage

import "errors"

// Error codes carried by *Error.
const (
	// CodeStorage marks a failure of the underlying medium: file I/O, connection
	// loss, rejected SQL. The network layer maps it to a server error.
	CodeStorage = "STORAGE_ERROR"
	// CodeInvalidInput marks a request the engine refuses to act on.
	CodeInvalidInput = "INVALID_INPUT"
	// CodeClosed marks a call on an engine that is not open.
	CodeClosed = "INVALID_STATE"
)

// ErrClosed matches, via errors.Is, any error returned by an engine that is not open.
var ErrClosed = &Error{Code: CodeClosed, Message: "storage engine is not open"}

// Error is the typed error every engine operation returns.
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Failure wraps err as a storage failure of op. A nil err stays nil, an err that
// already is an *Error is returned unchanged.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Code: CodeStorage, Op: op, Message: "storage failure", Err: err}
}

// Invalid builds an invalid-input error for op.
func Invalid(op, message string) error {
	return &Error{Code: CodeInvalidInput, Op: op, Message: message}
}

// Closed builds the error returned when op is called on an engine that is not open.
func Closed(op string) error {
	return &Error{Code: CodeClosed, Op: op, Message: ErrClosed.Message}
}

// IsStorageFailure reports whether err is, or wraps, a storage failure.
func IsStorageFailure(err error) bool {
	return hasCode(err, CodeStorage)
}

// IsInvalidInput reports whether err is, or wraps, an invalid-input error.
func IsInvalidInput(err error) bool {
	return hasCode(err, CodeInvalidInput)
}

func hasCode(err error, code string) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}
