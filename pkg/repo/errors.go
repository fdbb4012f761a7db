package repo

import (
	"errors"
	"fmt"
)

// Errors returned by repository operations. Callers test them with errors.Is;
// the wrapped message carries the branch, path or object involved.
var (
	ErrRepositoryUnavailable  = errors.New("repository unavailable")
	ErrBranchNotFound         = errors.New("branch not found")
	ErrCorruptHistory         = errors.New("corrupt history")
	ErrPathNotFound           = errors.New("path not found")
	ErrWrongKind              = errors.New("wrong object kind")
	ErrNotText                = errors.New("file is not valid UTF-8")
	ErrAttributionFailure     = errors.New("no commit found for entry")
	ErrWriteFailed            = errors.New("object write failed")
	ErrRefUpdateFailed        = errors.New("ref update failed")
	ErrConcurrentModification = errors.New("branch was modified concurrently")
	ErrInvalidInput           = errors.New("invalid input")
)

// ErrRefCASMismatch is returned by UpdateRefCAS when the ref no longer holds
// the expected value.
var ErrRefCASMismatch = errors.New("ref compare-and-swap mismatch")

// kindError is a client-facing message classified by one of the sentinels
// above.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func errorf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}
