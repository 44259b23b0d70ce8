package session

import "errors"

// Identity resolution errors
var (
	ErrNilRequest       = errors.New("request cannot be nil")
	ErrEmptyHeaderName  = errors.New("identity header names cannot be empty")
	ErrTokenHeaderEmpty = errors.New("token header name required when a shared token is set")
)
