// Package lfserr defines the error taxonomy from spec.md §7:
// OutOfSpace, Corruption, InvariantViolation, and Transient. The
// allocator and cleaner return these as ordinary Go errors instead of
// the teacher's plain-bool CommitWait/AllocNum returns, since callers
// here need to distinguish failure kinds programmatically.
package lfserr

import (
	"errors"
	"fmt"
)

// ErrOutOfSpace is returned when no free segment can be produced even
// after an emergency GC run. Write operations propagate it upward as
// a no-space failure; it is never a panic (see the Open Question
// decision in DESIGN.md).
var ErrOutOfSpace = errors.New("lfs: out of space")

// Corruption wraps an on-disk value that indicates bit rot or a bug
// (an address >= disk size, an indirect index out of range, an imap
// slot out of range, a bad SSB magic/checksum where validity was
// required). Read-side code logs and treats the entry as absent;
// write-side code that cannot safely continue panics with it instead
// of returning it.
type Corruption struct {
	Where string
	Detail string
}

func (c *Corruption) Error() string {
	return fmt.Sprintf("lfs: corruption in %s: %s", c.Where, c.Detail)
}

func NewCorruption(where, detail string) *Corruption {
	return &Corruption{Where: where, Detail: detail}
}

// InvariantViolation indicates the process's internal state is
// unsound (recursive allocator lock, flushing-buffer already in use).
// Per spec.md §7 this is always a panic, never a returned error;
// PanicInvariant is the single call site every subsystem uses so the
// message format stays consistent.
func PanicInvariant(where, detail string) {
	panic(fmt.Sprintf("lfs: invariant violation in %s: %s", where, detail))
}

// IsOutOfSpace reports whether err is (or wraps) ErrOutOfSpace.
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace)
}
