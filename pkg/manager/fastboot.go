package manager

import (
	"regexp"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

var fastbootPattern = regexp.MustCompile(`([\w\d]+)\s+fastboot\s*`)

// AddFastbootListener subscribes l to fastboot polling cycles.
func (m *Manager) AddFastbootListener(l FastbootListener) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if !m.fastbootEnabled {
		return ErrFastbootDisabled
	}
	m.fastbootMu.Lock()
	defer m.fastbootMu.Unlock()
	m.fastbootListeners[l] = struct{}{}
	return nil
}

// RemoveFastbootListener unsubscribes l.
func (m *Manager) RemoveFastbootListener(l FastbootListener) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if !m.fastbootEnabled {
		return nil
	}
	m.fastbootMu.Lock()
	defer m.fastbootMu.Unlock()
	delete(m.fastbootListeners, l)
	return nil
}

func (m *Manager) startFastbootMonitor() {
	go m.fastbootMonitorLoop(m.fastbootQuit)
}

func (m *Manager) stopFastbootMonitor() {
	if m.fastbootQuit != nil {
		close(m.fastbootQuit)
		m.fastbootQuit = nil
	}
}

// fastbootMonitorLoop reclassifies allocated devices that enter or leave
// fastboot mode and notifies subscribers each cycle.
func (m *Manager) fastbootMonitorLoop(quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-time.After(m.fastbootPoll):
		}
		// Only poll fastboot devices if there are listeners, as polling it
		// indiscriminately can cause real fastboot commands to hang.
		listeners := m.snapshotFastbootListeners()
		if len(listeners) == 0 {
			continue
		}
		serials, ok := m.devicesOnFastbootChecked()
		if !ok {
			continue
		}
		m.mu.Lock()
		for serial := range serials {
			if md := m.allocated[serial]; md != nil && md.DeviceState() != device.StateFastboot {
				md.SetDeviceState(device.StateFastboot)
			}
		}
		// Now update devices that are no longer on fastboot.
		for serial, md := range m.allocated {
			if _, onFastboot := serials[serial]; !onFastboot && md.DeviceState() == device.StateFastboot {
				md.SetDeviceState(device.StateNotAvailable)
			}
		}
		m.mu.Unlock()

		for _, l := range listeners {
			l.StateUpdated()
		}
	}
}

// snapshotFastbootListeners copies the subscriber set so notification cannot
// deadlock with reentrant subscription changes.
func (m *Manager) snapshotFastbootListeners() []FastbootListener {
	m.fastbootMu.Lock()
	defer m.fastbootMu.Unlock()
	listeners := make([]FastbootListener, 0, len(m.fastbootListeners))
	for l := range m.fastbootListeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (m *Manager) devicesOnFastboot() map[string]struct{} {
	serials, _ := m.devicesOnFastbootChecked()
	return serials
}

func (m *Manager) devicesOnFastbootChecked() (map[string]struct{}, bool) {
	result := m.run.RunTimedCmd(fastbootCmdTimeout, m.opts.FastbootPath, "devices")
	if result.Status != runner.StatusSuccess {
		logger.Warn("'fastboot devices' failed. Result: %s, stderr: %s", result.Status, result.Stderr)
		return nil, false
	}
	logger.Debug("fastboot devices returned\n %s", result.Stdout)
	return parseDevicesOnFastboot(result.Stdout), true
}

func parseDevicesOnFastboot(out string) map[string]struct{} {
	serials := make(map[string]struct{})
	for _, match := range fastbootPattern.FindAllStringSubmatch(out, -1) {
		serials[match[1]] = struct{}{}
	}
	return serials
}
