package branch

import (
	"errors"
	"fmt"
)

var (
	ErrParentNotFound      = errors.New("parent conversation not found")
	ErrBranchPointNotFound = errors.New("branch point message not found in parent conversation")
	ErrNotFoundOrNotOwned  = errors.New("branch not found or not owned by user")
	ErrInvalidBranchName   = errors.New("invalid branch name")
)

// Error is returned for caller mistakes. It names the operation and the
// offending id and unwraps to one of the sentinel errors above.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCallerError reports whether err was caused by invalid input rather
// than by the store.
func IsCallerError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}
