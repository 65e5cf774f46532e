package exception

import "errors"

var (
	ErrInvalidOrderRequest  = errors.New("order: invalid request")
	ErrOrderAlreadyFinished = errors.New("order: already finished")
	ErrUnknownOrder         = errors.New("order: unknown order")
)

// Broker errors
var (
	ErrBrokerRequestFailed = errors.New("order: broker request failed")
	ErrGatewayDisconnected = errors.New("order: gateway disconnected")
)
