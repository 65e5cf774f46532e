package exception

import "errors"

// Feed connection errors
var (
	ErrInResponseError = errors.New("there is an error in response error field")
	ErrConnectionClose = errors.New("connection closed")
)
