package manager

import (
	"errors"

	"github.com/devicelab-dev/device-pool/pkg/device"
)

var (
	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = errors.New("device manager already initialized")
	// ErrNotInitialized is returned when the manager is used before Init.
	ErrNotInitialized = errors.New("device manager has not been initialized")
	// ErrFastbootDisabled is returned when subscribing to fastboot events
	// while fastboot is unavailable.
	ErrFastbootDisabled = errors.New("fastboot is not enabled")
)

// ErrDeviceNotAvailable reports a device that could not be brought to, or
// kept in, a usable state.
var ErrDeviceNotAvailable = device.ErrDeviceNotAvailable
