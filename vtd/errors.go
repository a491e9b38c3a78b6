package vtd

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported     = errors.New("vtd: unsupported hardware")
	ErrOutOfResources  = errors.New("vtd: out of resources")
	ErrInvalidArgument = errors.New("vtd: invalid argument")
	ErrDevice          = errors.New("vtd: device error")
	ErrConfig          = errors.New("vtd: invalid config")
	ErrNotValidated    = errors.New("vtd: engine not validated")
	ErrEnable          = errors.New("vtd: enable failed")
	ErrDisable         = errors.New("vtd: disable failed")
)

// Device errors. Each wraps ErrDevice.
var (
	ErrTimeout      = fmt.Errorf("%w: timed out waiting for hardware", ErrDevice)
	ErrBusy         = fmt.Errorf("%w: invalidation already in progress", ErrDevice)
	ErrQueueError   = fmt.Errorf("%w: invalidation queue error", ErrDevice)
	ErrQueueTimeout = fmt.Errorf("%w: invalidation time-out error", ErrDevice)
	ErrCompletion   = fmt.Errorf("%w: invalidation completion error", ErrDevice)
)
