package router

import "errors"

// Router-specific error types
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSenderNotConnected = errors.New("sender not connected")
	ErrMissingComponent   = errors.New("router requires presence, locks, viewers and signals components")
)
