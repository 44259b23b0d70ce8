package client

import (
	"errors"
	"fmt"
)

var (
	ErrGaveUp         = errors.New("gave up reconnecting")
	ErrRequestTimeout = errors.New("request timed out")
	ErrNotConnected   = errors.New("client is not connected")
	ErrSendBufferFull = errors.New("client send buffer is full")
	ErrAlreadyRunning = errors.New("client is already running")
)

// RequestError is an explicit rejection reply from the server.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
