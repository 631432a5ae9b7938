package device

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/logger"
)

// ManagedDevice is a leased device wrapper. It is owned by the allocator
// while leased; ownership returns to the manager on free.
type ManagedDevice struct {
	mu              sync.Mutex
	handle          *Device
	monitor         Monitor
	adb             *Adb
	recovery        Recovery
	fastbootEnabled bool
	emulatorProc    *exec.Cmd
	logcatProc      *exec.Cmd
}

// NewManagedDevice wraps a device handle for lease.
func NewManagedDevice(handle *Device, monitor Monitor, adb *Adb) *ManagedDevice {
	return &ManagedDevice{
		handle:   handle,
		monitor:  monitor,
		adb:      adb,
		recovery: NewWaitRecovery(),
	}
}

// Serial returns the stable serial of the leased device.
func (m *ManagedDevice) Serial() string {
	return m.Handle().Serial()
}

// Handle returns the current identity handle.
func (m *ManagedDevice) Handle() *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// SetHandle replaces the identity handle after a reconnect. The bridge hands
// out a fresh handle for a known serial; the serial itself never changes.
func (m *ManagedDevice) SetHandle(handle *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handle.Serial() != m.handle.Serial() {
		logger.Error("Refusing handle refresh: serial %s does not match %s",
			handle.Serial(), m.handle.Serial())
		return
	}
	m.handle = handle
}

// Monitor returns the state monitor for this device.
func (m *ManagedDevice) Monitor() Monitor {
	return m.monitor
}

// DeviceState returns the current test-device state.
func (m *ManagedDevice) DeviceState() State {
	return m.monitor.State()
}

// SetDeviceState propagates a reported state onto the handle and monitor.
func (m *ManagedDevice) SetDeviceState(state State) {
	m.Handle().SetState(state)
	m.monitor.SetState(state)
}

// SetFastbootEnabled records whether fastboot commands may be used against
// this device.
func (m *ManagedDevice) SetFastbootEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fastbootEnabled = enabled
}

// SetRecovery installs the recovery policy for this device.
func (m *ManagedDevice) SetRecovery(recovery Recovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = recovery
}

// RecoverDevice invokes the installed recovery policy.
func (m *ManagedDevice) RecoverDevice() error {
	m.mu.Lock()
	recovery := m.recovery
	m.mu.Unlock()
	return recovery.RecoverDevice(m.monitor, false)
}

// SetEmulatorProcess records the child process backing this emulator.
func (m *ManagedDevice) SetEmulatorProcess(proc *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emulatorProc = proc
}

// EmulatorProcess returns the child process backing this emulator, or nil
// when the emulator was not launched by the manager.
func (m *ManagedDevice) EmulatorProcess() *exec.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulatorProc
}

// StartLogcat begins capturing logcat in the background. Duplicate starts and
// devices without an adb transport are ignored.
func (m *ManagedDevice) StartLogcat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logcatProc != nil || m.adb == nil {
		return
	}
	proc, err := m.adb.StartLogcat(m.handle.Serial())
	if err != nil {
		logger.Warn("%v", err)
		return
	}
	m.logcatProc = proc
}

// StopLogcat terminates a running logcat capture.
func (m *ManagedDevice) StopLogcat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logcatProc == nil {
		return
	}
	if m.logcatProc.Process != nil {
		m.logcatProc.Process.Kill()
	}
	m.logcatProc = nil
}

// SwitchToAdbTcp re-hosts the device on tcp and returns its ip:port serial.
func (m *ManagedDevice) SwitchToAdbTcp() (string, error) {
	if m.adb == nil {
		return "", fmt.Errorf("device %s has no adb transport", m.Serial())
	}
	return m.adb.SwitchToTcp(m.Serial())
}

// SwitchToAdbUsb reverts the device to usb mode.
func (m *ManagedDevice) SwitchToAdbUsb() error {
	if m.adb == nil {
		return fmt.Errorf("device %s has no adb transport", m.Serial())
	}
	return m.adb.SwitchToUsb(m.Serial())
}

// WaitForDeviceOnline blocks until the device reports online.
func (m *ManagedDevice) WaitForDeviceOnline(timeout time.Duration) bool {
	return m.monitor.WaitForDeviceOnline(timeout)
}

// WaitForDeviceAvailable blocks until the device is online and responsive.
func (m *ManagedDevice) WaitForDeviceAvailable(timeout time.Duration) bool {
	return m.monitor.WaitForDeviceAvailable(timeout)
}

// WaitForDeviceNotAvailable blocks until the device disappears.
func (m *ManagedDevice) WaitForDeviceNotAvailable(timeout time.Duration) bool {
	return m.monitor.WaitForDeviceNotAvailable(timeout)
}
