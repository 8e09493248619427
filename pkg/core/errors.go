package core

// Error is a coded error used across the ambient packages for validation
// and invalid-state failures that the caller may want to inspect by Code
// rather than by matching message text.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
