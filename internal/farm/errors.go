package farm

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrBelowMinimum       = errors.New("below minimum")
	ErrAboveMaximum       = errors.New("above maximum")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrNotFinalised       = errors.New("not finalised")
	ErrInsufficientOutput = errors.New("insufficient output")
	ErrSupplyUnderflow    = errors.New("supply underflow")
)
