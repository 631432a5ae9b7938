package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeviceNotAvailable reports that a device could not be brought to a
// usable state.
var ErrDeviceNotAvailable = errors.New("device not available")

// Recovery attempts to bring an unresponsive device back to a usable state.
type Recovery interface {
	RecoverDevice(monitor Monitor, recoverUntilOnline bool) error
}

// WaitRecovery recovers by waiting for the device to come back on its own.
type WaitRecovery struct {
	OnlineTimeout    time.Duration
	AvailableTimeout time.Duration
}

// NewWaitRecovery creates a WaitRecovery with the standard timeouts.
func NewWaitRecovery() *WaitRecovery {
	return &WaitRecovery{
		OnlineTimeout:    1 * time.Minute,
		AvailableTimeout: 6 * time.Minute,
	}
}

// RecoverDevice waits for the device to report online, and unless
// recoverUntilOnline is set, to become shell responsive as well.
func (r *WaitRecovery) RecoverDevice(monitor Monitor, recoverUntilOnline bool) error {
	if !monitor.WaitForDeviceOnline(r.OnlineTimeout) {
		return fmt.Errorf("%w: device did not come online within %v", ErrDeviceNotAvailable, r.OnlineTimeout)
	}
	if recoverUntilOnline {
		return nil
	}
	if !monitor.WaitForDeviceAvailable(r.AvailableTimeout) {
		return fmt.Errorf("%w: device did not become available within %v", ErrDeviceNotAvailable, r.AvailableTimeout)
	}
	return nil
}

// AbortRecovery denies all recovery attempts. It is installed on allocated
// devices when the manager is torn down hard, so in-flight work fails fast.
type AbortRecovery struct{}

// RecoverDevice always fails.
func (AbortRecovery) RecoverDevice(Monitor, bool) error {
	return fmt.Errorf("%w: aborted test session", ErrDeviceNotAvailable)
}
