// Package bridge defines the debug-bridge contract the device manager
// consumes, and an adb-backed implementation of it.
package bridge

import (
	"time"

	"github.com/devicelab-dev/device-pool/pkg/device"
)

// ChangeState is set in a change mask when a device's reported mode
// transitioned.
const ChangeState = 1 << 0

// Listener receives device presence updates. Callbacks are dispatched on the
// bridge's own goroutine and must not block it.
type Listener interface {
	DeviceConnected(d *device.Device)
	DeviceChanged(d *device.Device, changeMask int)
	DeviceDisconnected(d *device.Device)
}

// Bridge enumerates attached devices and delivers events about them. One
// manager owns the bridge from Init to Terminate.
type Bridge interface {
	// Init starts the bridge. Listeners registered beforehand observe every
	// device event from the first enumeration on.
	Init(clientSupport bool, adbPath string) error
	// Terminate stops the bridge. Idempotent.
	Terminate()
	// Disconnect forcibly tears down the bridge's adb connection.
	Disconnect()
	// Devices returns a snapshot of every device currently visible.
	Devices() []*device.Device
	// SetTimeout bounds individual bridge commands.
	SetTimeout(d time.Duration)

	AddDeviceChangeListener(l Listener)
	RemoveDeviceChangeListener(l Listener)
}
