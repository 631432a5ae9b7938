package manager

import (
	"strings"

	"github.com/devicelab-dev/device-pool/pkg/bridge"
	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
)

// managedDeviceListener acts on device presence updates from the bridge. All
// callbacks run on the bridge's goroutine; anything slow is handed to the
// admission workers.
type managedDeviceListener struct {
	m *Manager
}

func (l *managedDeviceListener) DeviceConnected(d *device.Device) {
	m := l.m
	logger.Debug("Detected device connect %s", d.Serial())

	m.mu.Lock()
	md := m.allocated[d.Serial()]
	checkMon := m.checking[d.Serial()]
	m.mu.Unlock()

	if md != nil {
		// The serial is known already, but the bridge hands out a fresh
		// handle on reconnect; refresh the lease's identity.
		logger.Debug("Updating handle for device %s", d.Serial())
		md.SetHandle(d)
		md.SetDeviceState(d.State())
		return
	}
	if isValidDeviceSerial(d.Serial()) && d.State() == device.StateOnline {
		m.checkAndAddAvailableDevice(d)
	} else if checkMon != nil {
		checkMon.SetState(d.State())
	}
}

func (l *managedDeviceListener) DeviceChanged(d *device.Device, changeMask int) {
	if changeMask&bridge.ChangeState == 0 {
		return
	}
	m := l.m
	logger.Debug("Device %s changed state to %s", d.Serial(), d.State())

	m.mu.Lock()
	md := m.allocated[d.Serial()]
	checkMon := m.checking[d.Serial()]
	m.mu.Unlock()

	switch {
	case md != nil:
		md.SetDeviceState(d.State())
	case checkMon != nil:
		checkMon.SetState(d.State())
	case !m.available.Contains(d) && d.State() == device.StateOnline:
		m.checkAndAddAvailableDevice(d)
	}
}

func (l *managedDeviceListener) DeviceDisconnected(d *device.Device) {
	m := l.m
	if m.available.Remove(d) {
		logger.Info("Removed disconnected device %s from available queue", d.Serial())
	}

	m.mu.Lock()
	md := m.allocated[d.Serial()]
	checkMon := m.checking[d.Serial()]
	m.mu.Unlock()

	if md != nil {
		md.SetDeviceState(device.StateNotAvailable)
	} else if checkMon != nil {
		checkMon.SetState(device.StateNotAvailable)
	}
	m.updateDeviceMonitor()
}

func isValidDeviceSerial(serial string) bool {
	return len(serial) > 1 && !strings.Contains(serial, "?")
}

// checkAndAddAvailableDevice asynchronously probes a newly observed device
// and, if it answers shell commands, adds it to the available queue. While
// the probe is in flight the serial sits in the checking set and is neither
// available nor allocated.
func (m *Manager) checkAndAddAvailableDevice(d *device.Device) {
	m.mu.Lock()
	if _, checking := m.checking[d.Serial()]; checking {
		m.mu.Unlock()
		logger.Debug("Already checking new device %s, ignoring", d.Serial())
		return
	}
	if !m.globalFilter.Matches(d) {
		m.mu.Unlock()
		logger.Debug("New device %s doesn't match global filter, ignoring", d.Serial())
		return
	}
	monitor := m.newMonitor(d.Serial())
	monitor.SetState(d.State())
	m.checking[d.Serial()] = monitor
	m.mu.Unlock()

	check := func() {
		logger.Debug("checking new device %s responsiveness", d.Serial())
		if monitor.WaitForDeviceShell(m.checkAvailWait) {
			logger.Info("Detected new device %s", d.Serial())
			m.addAvailableDevice(d)
		} else {
			logger.Debug("Device %s is not responsive to adb shell command, "+
				"skip adding to available pool", d.Serial())
		}
		m.mu.Lock()
		delete(m.checking, d.Serial())
		m.mu.Unlock()
	}

	if m.syncMode {
		check()
		return
	}
	m.checkWG.Add(1)
	go func() {
		defer m.checkWG.Done()
		// Bounded worker pool; queued admissions abort at terminate.
		select {
		case m.checkSem <- struct{}{}:
			defer func() { <-m.checkSem }()
		case <-m.checkCtx.Done():
			m.mu.Lock()
			delete(m.checking, d.Serial())
			m.mu.Unlock()
			return
		}
		check()
	}()
}
