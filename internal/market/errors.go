package market

import "errors"

// User-facing failures shared by the trading, order and contract layers.
// Callers wrap them with detail via fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrUnknownAsset          = errors.New("market: unknown asset")
	ErrInvalidAmount         = errors.New("market: amount must be positive")
	ErrInvalidDirection      = errors.New("market: direction must be long or short")
	ErrInvalidLeverage       = errors.New("market: leverage out of range")
	ErrPositionValueExceeded = errors.New("market: position value exceeds maximum")
	ErrInsufficientBalance   = errors.New("market: insufficient balance")
	ErrInsufficientHolding   = errors.New("market: insufficient holding")
	ErrInvalidLimitPrice     = errors.New("market: invalid limit price")
	ErrPositionNotFound      = errors.New("market: position not found")
	ErrOrderNotFound         = errors.New("market: order not found")
	ErrStoreUnavailable      = errors.New("market: store unavailable")
)
