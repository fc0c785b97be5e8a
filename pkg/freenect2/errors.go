package freenect2

import (
	"errors"
	"fmt"
)

var (
	// ErrValue reports a malformed selector, channel or option argument.
	ErrValue = errors.New("freenect2: invalid value")
	// ErrArgument reports a well-typed argument with unusable contents (size, dimensions).
	ErrArgument = errors.New("freenect2: invalid argument")
	// ErrChannelNotFound reports a lookup of an unpopulated or unknown channel.
	ErrChannelNotFound = errors.New("freenect2: channel not found")
	// ErrIndex reports a device index outside the enumerated range.
	ErrIndex = errors.New("freenect2: index out of range")
	// ErrState reports an operation that is invalid in the device's current state.
	ErrState = errors.New("freenect2: invalid device state")
	// ErrUseAfterClose reports any access to a closed device.
	ErrUseAfterClose = errors.New("freenect2: device used after close")
	// ErrOwnership reports a frame whose ownership tag does not match what the call requires.
	ErrOwnership = errors.New("freenect2: ownership precondition violated")
	// ErrFormat reports an unrecognized pixel format interpretation.
	ErrFormat = errors.New("freenect2: unsupported format")
	// ErrDeviceNotFound reports an enumeration or open failure.
	ErrDeviceNotFound = errors.New("freenect2: device not found")

	ErrReleased           = errors.New("freenect2: frame released")
	ErrDoubleRelease      = errors.New("freenect2: frame set released twice")
	ErrFreed              = errors.New("freenect2: frame freed")
	ErrNotBound           = errors.New("freenect2: frame not bound")
	ErrAlreadyBound       = errors.New("freenect2: frame already bound")
	ErrListenerClosed     = errors.New("freenect2: listener closed")
	ErrIncompleteFrameSet = errors.New("freenect2: frame set missing subscribed channels")
	ErrNotAvailable       = errors.New("freenect2: native driver not available - build with -tags freenect2")
)

// StateError describes an operation rejected by the device lifecycle.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("freenect2: %s not allowed in state %s", e.Op, e.State)
}

// Is makes StateError match ErrState.
func (e *StateError) Is(target error) bool {
	return target == ErrState
}
