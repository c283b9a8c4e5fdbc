package filters

import (
	"errors"
	"fmt"
)

// ErrRejected marks a message rejected by a stage
var ErrRejected = errors.New("filters: message rejected")

// FilterFailure reports the stage that failed a chain
type FilterFailure struct {
	Chain Chain
	Stage string
	Index int
	Err   error
}

func (e *FilterFailure) Error() string {
	return fmt.Sprintf("filter failure in %s stage %d (%s): %v", e.Chain, e.Index, e.Stage, e.Err)
}

func (e *FilterFailure) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is a stage rejection rather than a stage error
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
