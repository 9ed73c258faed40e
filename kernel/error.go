// Package kernel contains the types and helpers that are shared across all
// other kernel packages.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us this early so we
// cannot use errors.New or fmt.Errorf to construct ad-hoc errors.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
