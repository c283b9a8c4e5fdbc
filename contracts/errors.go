package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrMissingID   = errors.New("contracts: message id is required")
	ErrMissingType = errors.New("contracts: message type is required")
)

// InvalidEnvelopeError reports a malformed envelope field
type InvalidEnvelopeError struct {
	Field string
	Err   error
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("contracts: invalid envelope field %s: %v", e.Field, e.Err)
}

func (e *InvalidEnvelopeError) Unwrap() error {
	return e.Err
}
