package exception

import "errors"

var (
	ErrCorruptRecord         = errors.New("market data: corrupt record")
	ErrDuplicateSubscription = errors.New("market data: duplicate subscription")
	ErrUnknownSubscription   = errors.New("market data: unknown subscription")
)
