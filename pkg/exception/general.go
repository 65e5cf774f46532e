package exception

import "errors"

// General errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNilInstance     = errors.New("nil instance")
	ErrInternal        = errors.New("internal error")
)

// Run errors are fatal to the whole run.
var (
	ErrTimeoutExceeded = errors.New("run: time budget exceeded")
	ErrNoProgress      = errors.New("run: no progress")
)
