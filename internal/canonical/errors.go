package canonical

import (
	"errors"
	"fmt"
)

// Error taxonomy. Parsing-level failures (ErrUnparseableChunk) are recovered
// locally by skipping the record; session-level failures surface to the
// client as exactly one terminal event.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnparseableChunk      = errors.New("unparseable chunk")
	ErrBackendTransport      = errors.New("backend transport error")
	ErrSafetyLimitExceeded   = errors.New("safety limit exceeded")
	ErrUnsupportedCapability = errors.New("unsupported capability")
)

func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func UnsupportedCapabilityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedCapability, fmt.Sprintf(format, args...))
}
