package ordering

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidContext means the move cannot be expressed in any ordering
	// context. It is never retryable.
	ErrInvalidContext   = errors.New("invalid ordering context")
	ErrItemNotFound     = errors.New("item not found")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNoRoom means no free key exists between the neighbours and the
	// context could not be renumbered.
	ErrNoRoom           = errors.New("no room for order key")
	ErrDomainUnresolved = errors.New("owning domain unresolved")
)

func invalidContext(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContext, fmt.Sprintf(format, args...))
}
