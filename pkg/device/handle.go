package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind discriminates real hardware handles from synthesized placeholders.
type Kind int

const (
	// KindPhysical is a handle backed by a device the bridge reported.
	KindPhysical Kind = iota
	// KindStub is a placeholder reserving an allocation slot (an unbooted
	// emulator or a pre-connect TCP device).
	KindStub
	// KindNull is a placeholder for runs that need no device at all.
	KindNull
	// KindFastboot is a placeholder for a device observed in fastboot mode.
	KindFastboot
)

// Device is an identity handle for a device known to the manager. The serial
// is the stable key and is unique across the manager.
type Device struct {
	serial   string
	kind     Kind
	emulator bool

	mu      sync.Mutex
	state   State
	product string
	variant string
	battery *int
}

// NewDevice creates a handle for a physical device in the given state.
func NewDevice(serial string, state State) *Device {
	return &Device{serial: serial, kind: KindPhysical, state: state}
}

// NewStub creates a placeholder handle. Stubs report NOT_AVAILABLE until
// real hardware appears behind the serial.
func NewStub(serial string, emulator bool) *Device {
	return &Device{serial: serial, kind: KindStub, emulator: emulator, state: StateNotAvailable}
}

// NewNullDevice creates a placeholder for a no-device-required allocation.
func NewNullDevice(serial string) *Device {
	return &Device{serial: serial, kind: KindNull, state: StateNotAvailable}
}

// NewFastbootDevice creates a placeholder for a device visible on fastboot.
func NewFastbootDevice(serial string) *Device {
	return &Device{serial: serial, kind: KindFastboot, state: StateFastboot}
}

// Serial returns the device serial number.
func (d *Device) Serial() string {
	return d.serial
}

// Kind returns the handle kind.
func (d *Device) Kind() Kind {
	return d.kind
}

// IsStub reports whether this handle is a synthesized placeholder.
func (d *Device) IsStub() bool {
	return d.kind != KindPhysical
}

// IsEmulator reports whether this handle refers to an emulator.
func (d *Device) IsEmulator() bool {
	return d.emulator || strings.HasPrefix(d.serial, "emulator-")
}

// State returns the last reported mode.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState records a newly reported mode.
func (d *Device) SetState(state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

// Product returns the reported product type, or "" if unknown.
func (d *Device) Product() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.product
}

// Variant returns the reported product variant, or "" if unknown.
func (d *Device) Variant() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.variant
}

// SetProductInfo records the product type and variant the bridge reported.
func (d *Device) SetProductInfo(product, variant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.product = product
	d.variant = variant
}

// Battery returns the last known battery level, if any.
func (d *Device) Battery() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.battery == nil {
		return 0, false
	}
	return *d.battery, true
}

// SetBattery records the battery level.
func (d *Device) SetBattery(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.battery = &level
}

// EmulatorPort extracts the console port from an emulator serial of the form
// "emulator-<port>".
func EmulatorPort(serial string) (int, error) {
	rest, ok := strings.CutPrefix(serial, "emulator-")
	if !ok {
		return 0, fmt.Errorf("serial %q is not an emulator serial", serial)
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("failed to determine emulator port for %q: %w", serial, err)
	}
	return port, nil
}
