package models

import "errors"

// Error kinds returned by the exchange. Callers classify with errors.Is;
// the api package maps each kind to an HTTP status.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidCurrency   = errors.New("invalid currency")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSettlementFailure = errors.New("settlement failure")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflict          = errors.New("conflict")
)
