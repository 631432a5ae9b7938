package device

import (
	"sync"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/logger"
)

// Timeout for a single shell round trip during a responsiveness probe.
const shellProbeTimeout = 5 * time.Second

// Prober answers whether a device currently responds to a shell command.
type Prober interface {
	ProbeShell(serial string, timeout time.Duration) bool
}

// Monitor observes a single device's reported state and provides bounded
// waits on it. State transitions are driven externally, by bridge callbacks
// and the fastboot monitor.
type Monitor interface {
	SetState(state State)
	State() State
	WaitForDeviceShell(timeout time.Duration) bool
	WaitForDeviceOnline(timeout time.Duration) bool
	WaitForDeviceAvailable(timeout time.Duration) bool
	WaitForDeviceNotAvailable(timeout time.Duration) bool
}

// StateMonitor is the standard Monitor implementation, probing shell
// responsiveness through a Prober.
type StateMonitor struct {
	serial string
	prober Prober

	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every transition
}

// NewStateMonitor creates a monitor for serial in the NOT_AVAILABLE state.
func NewStateMonitor(serial string, prober Prober) *StateMonitor {
	return &StateMonitor{
		serial:  serial,
		prober:  prober,
		state:   StateNotAvailable,
		changed: make(chan struct{}),
	}
}

// Serial returns the serial of the observed device.
func (m *StateMonitor) Serial() string {
	return m.serial
}

// SetState records a state transition and wakes all waiters.
func (m *StateMonitor) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == m.state {
		return
	}
	logger.Debug("Device %s state is now %s", m.serial, state)
	m.state = state
	close(m.changed)
	m.changed = make(chan struct{})
}

// State returns the last recorded state.
func (m *StateMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitForDeviceShell blocks until a shell probe succeeds or timeout elapses.
func (m *StateMonitor) WaitForDeviceShell(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		probeTimeout := shellProbeTimeout
		if remaining < probeTimeout {
			probeTimeout = remaining
		}
		if m.prober.ProbeShell(m.serial, probeTimeout) {
			return true
		}
		// Pause between probes, but never past the deadline.
		pause := time.Second
		if until := time.Until(deadline); until < pause {
			pause = until
		}
		if pause > 0 {
			time.Sleep(pause)
		}
	}
}

// WaitForDeviceOnline blocks until the device reports ONLINE.
func (m *StateMonitor) WaitForDeviceOnline(timeout time.Duration) bool {
	return m.waitForState(timeout, func(s State) bool { return s == StateOnline })
}

// WaitForDeviceAvailable blocks until the device is ONLINE and shell
// responsive.
func (m *StateMonitor) WaitForDeviceAvailable(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if !m.WaitForDeviceOnline(timeout) {
		return false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	return m.WaitForDeviceShell(remaining)
}

// WaitForDeviceNotAvailable blocks until the device reports NOT_AVAILABLE.
func (m *StateMonitor) WaitForDeviceNotAvailable(timeout time.Duration) bool {
	return m.waitForState(timeout, func(s State) bool { return s == StateNotAvailable })
}

func (m *StateMonitor) waitForState(timeout time.Duration, reached func(State) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if reached(m.state) {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}
