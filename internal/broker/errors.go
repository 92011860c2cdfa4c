package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for broker failures. Callers classify with errors.Is.
var (
	// ErrBrokerUnavailable means the bridge endpoint could not be reached.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrNoQuote means the terminal returned no quote for the symbol.
	ErrNoQuote = errors.New("no quote available")
	// ErrInvalidPrice means a quoted or requested price failed validation.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrOrderRejected wraps a non-success trade server return code.
	ErrOrderRejected = errors.New("order rejected")
)

// APIError is a non-2xx response from the MT5 bridge.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge API error %d: %s", e.Status, e.Message)
}

// RejectError carries the trade server return code of a rejected request.
type RejectError struct {
	RetCode int
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected (retcode %d): %s", e.RetCode, DescribeRetCode(e.RetCode))
}

func (e *RejectError) Unwrap() error { return ErrOrderRejected }

// IsTransient reports whether an error is worth retrying: bridge transport
// faults and transient trade server return codes qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return IsTransientRetCode(rej.RetCode)
	}
	var api *APIError
	if errors.As(err, &api) {
		// 5xx and 429 are retryable; other 4xx are caller bugs.
		return api.Status >= 500 || api.Status == 429
	}
	return errors.Is(err, ErrBrokerUnavailable)
}
