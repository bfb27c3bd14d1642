package market

import "errors"

var (
	ErrUnknownStock         = errors.New("unknown stock")
	ErrDuplicateStock       = errors.New("stock already listed")
	ErrUnknownInventory     = errors.New("unknown inventory unit")
	ErrUnknownOrder         = errors.New("unknown order")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrNotInventoryOwner    = errors.New("inventory unit belongs to another participant")
	ErrInventoryUnavailable = errors.New("inventory unit is not available")
	ErrInventoryListed      = errors.New("inventory unit already has an open sell order")
	ErrIdempotencyConflict  = errors.New("idempotency key already used for a different request")
	ErrDepositUnsupported   = errors.New("payment backend does not accept deposits")
)
