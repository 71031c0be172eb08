package errors

import "errors"

var (
	ErrClosed    = errors.New("closed")
	ErrNotHolder = errors.New("not the lock holder")
)
