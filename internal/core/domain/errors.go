package domain

import "errors"

type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
	CodeTransport         ErrorCode = "TRANSPORT_ERROR"
	CodeStorage           ErrorCode = "STORAGE_ERROR"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrStorage           = errors.New("storage error")
)

// CodeOf classifies err into the wire error taxonomy. Unclassified errors
// are reported as storage errors since every other failure is detected
// before the ledger is touched.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrMalformedMessage):
		return CodeTransport
	default:
		return CodeStorage
	}
}

// ClientVisible reports whether an error of this code is reported back to
// the sender. Storage failures are only logged.
func (c ErrorCode) ClientVisible() bool {
	return c == CodeValidation || c == CodeInsufficientStock || c == CodeTransport
}
