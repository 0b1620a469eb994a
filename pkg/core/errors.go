package core

// Error is a coded error returned by fail-fast helpers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
