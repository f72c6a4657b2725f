package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an exchange failure at the venue boundary.
type ErrorKind string

const (
	ErrNetwork           ErrorKind = "network"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrInsufficientFunds ErrorKind = "insufficient_funds"
	ErrInvalidOrder      ErrorKind = "invalid_order"
	ErrUnknown           ErrorKind = "unknown"
)

// ExchangeError wraps a venue failure with its classified kind and the
// operation that produced it.
type ExchangeError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func NewExchangeError(kind ErrorKind, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classified kind of err, or ErrUnknown for errors that
// did not cross the exchange boundary.
func KindOf(err error) ErrorKind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrUnknown
}
