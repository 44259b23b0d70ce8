package locks

import "errors"

var (
	ErrNotHolder    = errors.New("lock is held by another user")
	ErrInvalidLease = errors.New("lease duration must be positive")
)
