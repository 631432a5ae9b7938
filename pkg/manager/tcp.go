package manager

import (
	"strings"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

const (
	adbConnectAttempts  = 3
	adbConnectRetryWait = 5 * time.Second
)

// ConnectToTcpDevice attaches a device reachable at ipAndPort over adb tcp
// and leases it. A stub is allocated up front so the device cannot be handed
// to another caller when it comes online under its new serial. Returns nil
// when the serial is already allocated or the device never comes online.
func (m *Manager) ConnectToTcpDevice(ipAndPort string) (*device.ManagedDevice, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, taken := m.allocated[ipAndPort]
	m.mu.Unlock()
	if taken {
		logger.Warn("Device with tcp serial %s is already allocated", ipAndPort)
		return nil, nil
	}
	tcpDevice := m.createAllocatedDevice(device.NewStub(ipAndPort, false))
	if m.doAdbConnect(ipAndPort) {
		tcpDevice.SetRecovery(device.NewWaitRecovery())
		if tcpDevice.WaitForDeviceOnline(m.opts.OnlineTimeout.Std()) {
			return tcpDevice, nil
		}
		logger.Warn("Device with tcp serial %s did not come online", ipAndPort)
	}
	m.FreeDevice(tcpDevice, FreeIgnore)
	return nil, nil
}

// ReconnectDeviceToTcp switches an allocated usb device to adb-over-tcp and
// leases the resulting tcp device. On failure the usb side is recovered.
func (m *Manager) ReconnectDeviceToTcp(usbDevice *device.ManagedDevice) (*device.ManagedDevice, error) {
	logger.Info("Reconnecting device %s to adb over tcpip", usbDevice.Serial())
	ipAndPort, err := usbDevice.SwitchToAdbTcp()
	if err != nil {
		logger.Warn("Failed to switch device %s to tcp: %v", usbDevice.Serial(), err)
		return nil, usbDevice.RecoverDevice()
	}
	logger.Debug("Device %s was switched to adb tcp on %s", usbDevice.Serial(), ipAndPort)
	tcpDevice, err := m.ConnectToTcpDevice(ipAndPort)
	if err != nil {
		return nil, err
	}
	if tcpDevice == nil {
		// Could not connect; try to re-establish the usb connection.
		return nil, usbDevice.RecoverDevice()
	}
	return tcpDevice, nil
}

// DisconnectFromTcpDevice switches a tcp device back to usb mode and frees
// it. It reports whether the switch succeeded.
func (m *Manager) DisconnectFromTcpDevice(tcpDevice *device.ManagedDevice) bool {
	logger.Info("Disconnecting and freeing tcp device %s", tcpDevice.Serial())
	err := tcpDevice.SwitchToAdbUsb()
	if err != nil {
		logger.Warn("Failed to switch device %s to usb mode: %v", tcpDevice.Serial(), err)
	}
	m.FreeDevice(tcpDevice, FreeIgnore)
	return err == nil
}

// doAdbConnect runs `adb connect` up to three times, sleeping between
// attempts. adb reports success only through its stdout prefix.
func (m *Manager) doAdbConnect(ipAndPort string) bool {
	resultSuccess := "connected to " + ipAndPort
	for i := 1; i <= adbConnectAttempts; i++ {
		output, ok := m.ExecuteGlobalAdbCommand("connect", ipAndPort)
		if ok && strings.HasPrefix(output, resultSuccess) {
			return true
		}
		logger.Warn("Failed to connect to device on %s, attempt %d of %d. Response: %s.",
			ipAndPort, i, adbConnectAttempts, output)
		m.run.Sleep(adbConnectRetryWait)
	}
	return false
}

// ExecuteGlobalAdbCommand runs an adb command not targeted at a particular
// device, e.g. `adb connect`. It returns stdout and whether the command
// succeeded.
func (m *Manager) ExecuteGlobalAdbCommand(args ...string) (string, bool) {
	fullCmd := append([]string{m.opts.AdbPath}, args...)
	result := m.run.RunTimedCmd(fastbootCmdTimeout, fullCmd...)
	if result.Status == runner.StatusSuccess {
		return result.Stdout, true
	}
	logger.Warn("adb %s failed", args[0])
	return result.Stdout, false
}
