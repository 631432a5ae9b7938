package manager

import (
	"github.com/devicelab-dev/device-pool/pkg/device"
)

// Allocation classifications reported by ListDeviceEntries.
const (
	AllocationAllocated   = "Allocated"
	AllocationAvailable   = "Available"
	AllocationUnavailable = "Unavailable"
)

// DeviceEntry pairs a device handle with its pool classification.
type DeviceEntry struct {
	Device     *device.Device
	Allocation string
}

// DeviceLister produces a snapshot of the fleet.
type DeviceLister func() []DeviceEntry

// DeviceMonitor is an optional subsystem observing fleet state. The manager
// installs a DeviceLister on it at init and pokes it after every pool
// mutation.
type DeviceMonitor interface {
	SetDeviceLister(lister DeviceLister)
	Run()
	NotifyDeviceStateChange()
}

func (m *Manager) updateDeviceMonitor() {
	if m.dvcMon == nil {
		return
	}
	m.dvcMon.NotifyDeviceStateChange()
}

// ListDeviceEntries classifies every device in the bridge's view plus every
// allocated device. Placeholders waiting in the available queue are not
// listed. Allocated devices come first, then available, then
// visible-but-unusable ones.
func (m *Manager) ListDeviceEntries() ([]DeviceEntry, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	return m.listDeviceEntries(), nil
}

func (m *Manager) listDeviceEntries() []DeviceEntry {
	// These snapshots each take their own lock.
	bridgeView := m.bridge.Devices()
	availableCopy := m.available.Copy()

	m.mu.Lock()
	allocatedCopy := make([]*device.ManagedDevice, 0, len(m.allocated))
	for _, md := range m.allocated {
		allocatedCopy = append(allocatedCopy, md)
	}
	filter := m.globalFilter
	m.mu.Unlock()

	visible := make(map[string]*device.Device)
	for _, d := range bridgeView {
		// Ignore devices not matching the global filter.
		if filter.Matches(d) {
			visible[d.Serial()] = d
		}
	}

	var entries []DeviceEntry
	for _, md := range allocatedCopy {
		entries = append(entries, DeviceEntry{Device: md.Handle(), Allocation: AllocationAllocated})
		delete(visible, md.Serial())
	}
	for _, d := range availableCopy {
		// Placeholders are not part of the fleet display.
		if d.IsStub() {
			continue
		}
		entries = append(entries, DeviceEntry{Device: d, Allocation: AllocationAvailable})
		delete(visible, d.Serial())
	}
	for _, d := range visible {
		entries = append(entries, DeviceEntry{Device: d, Allocation: AllocationUnavailable})
	}
	return entries
}
