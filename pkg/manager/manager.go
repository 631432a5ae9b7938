// Package manager maintains the device allocation pool: it discovers devices
// through the debug bridge, qualifies them with a responsiveness probe, and
// leases them out with mutually exclusive ownership.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/bridge"
	"github.com/devicelab-dev/device-pool/pkg/config"
	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
	"github.com/devicelab-dev/device-pool/pkg/queue"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

const (
	// Max wait for a fastboot devices command to complete.
	fastbootCmdTimeout = 1 * time.Minute
	// Wait between fastboot devices requests.
	fastbootPollWaitTime = 5 * time.Second
	// Wait for a device's adb shell to respond before declaring it
	// unavailable for testing.
	checkWaitDeviceAvail = 30 * time.Second
	// Bridge command timeout installed at init.
	bridgeTimeout = 30 * time.Second
	// Concurrent responsiveness checks.
	maxCheckWorkers = 4
	// First emulator console port; slots advance by 2.
	firstEmulatorPort = 5554
)

// FreeDeviceState tells FreeDevice what to do with the returned device.
type FreeDeviceState int

const (
	// FreeAvailable returns the device to the available pool.
	FreeAvailable FreeDeviceState = iota
	// FreeUnresponsive returns the device to the pool despite it having
	// stopped responding during the lease.
	FreeUnresponsive
	// FreeUnavailable removes the device from use.
	FreeUnavailable
	// FreeIgnore drops the device without further classification.
	FreeIgnore
)

// FastbootListener is notified after each fastboot polling cycle.
type FastbootListener interface {
	StateUpdated()
}

// anySelection matches any device.
var anySelection = &device.Selection{}

// Manager owns the available queue, the allocated map, and the in-flight
// responsiveness-check set. Construct with New, then call Init exactly once
// before any other operation.
type Manager struct {
	bridge bridge.Bridge
	run    device.CommandRunner
	opts   *config.Options
	adb    *device.Adb
	dvcMon DeviceMonitor

	mu           sync.Mutex
	initialized  bool
	terminated   bool
	allocated    map[string]*device.ManagedDevice
	checking     map[string]device.Monitor
	globalFilter *device.Selection
	enableLogcat bool

	available *queue.ConditionQueue[*device.Device]
	listener  *managedDeviceListener

	fastbootEnabled   bool
	fastbootListeners map[FastbootListener]struct{}
	fastbootMu        sync.Mutex
	fastbootQuit      chan struct{}

	checkSem    chan struct{}
	checkWG     sync.WaitGroup
	checkCtx    context.Context
	checkCancel context.CancelFunc

	// Test seams.
	syncMode       bool
	checkAvailWait time.Duration
	fastbootPoll   time.Duration
	newMonitor     func(serial string) device.Monitor
}

// New creates a Manager over the given bridge and process executor. A nil
// opts uses the defaults; a nil dvcMon disables the fleet monitor hook.
func New(b bridge.Bridge, run device.CommandRunner, opts *config.Options, dvcMon DeviceMonitor) *Manager {
	if opts == nil {
		opts = config.Default()
	}
	adb := device.NewAdb(opts.AdbPath, run)
	m := &Manager{
		bridge:         b,
		run:            run,
		opts:           opts,
		adb:            adb,
		dvcMon:         dvcMon,
		enableLogcat:   opts.LogcatEnabled(),
		checkAvailWait: checkWaitDeviceAvail,
		fastbootPoll:   fastbootPollWaitTime,
	}
	m.newMonitor = func(serial string) device.Monitor {
		return device.NewStateMonitor(serial, adb)
	}
	return m
}

// SetSynchronousMode makes admission checks run inline on the caller.
// Exposed to make unit tests deterministic.
func (m *Manager) SetSynchronousMode(syncMode bool) {
	m.syncMode = syncMode
}

// SetEnableLogcat toggles background logcat capture on allocated devices.
func (m *Manager) SetEnableLogcat(enable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enableLogcat = enable
}

// Init initializes the manager: it probes fastboot support, starts the
// fastboot monitor, registers the bridge listener, initializes the bridge,
// and seeds the pool with emulator and null-device slots. It must be called
// exactly once before any other operation.
func (m *Manager) Init(globalFilter *device.Selection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if globalFilter == nil {
		globalFilter = anySelection
	}
	m.globalFilter = globalFilter
	m.allocated = make(map[string]*device.ManagedDevice)
	m.available = queue.New[*device.Device]()
	m.checking = make(map[string]device.Monitor)
	m.checkSem = make(chan struct{}, maxCheckWorkers)
	m.checkCtx, m.checkCancel = context.WithCancel(context.Background())

	if m.isFastbootAvailable() {
		m.fastbootListeners = make(map[FastbootListener]struct{})
		m.fastbootQuit = make(chan struct{})
		m.startFastbootMonitor()
		m.fastbootEnabled = true
		m.addFastbootDevices()
	} else {
		logger.Warn("Fastboot is not available.")
	}

	// Don't start adding devices until fastboot support has been
	// established.
	m.bridge.SetTimeout(bridgeTimeout)
	m.listener = &managedDeviceListener{m: m}
	// The listener must be registered before initializing the bridge so no
	// device event is missed.
	m.bridge.AddDeviceChangeListener(m.listener)
	if m.dvcMon != nil {
		m.dvcMon.SetDeviceLister(func() []DeviceEntry {
			return m.listDeviceEntries()
		})
		m.dvcMon.Run()
	}
	if err := m.bridge.Init(false /* client support */, m.opts.AdbPath); err != nil {
		m.stopFastbootMonitor()
		return err
	}
	m.addEmulators()
	m.addNullDevices()

	// Collaborators are fully populated; only now become visible as
	// initialized.
	m.initialized = true
	return nil
}

func (m *Manager) checkInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// isFastbootAvailable probes the fastboot binary. Old fastboot versions exit
// non-zero from `fastboot help` but still print a usage banner.
func (m *Manager) isFastbootAvailable() bool {
	result := m.run.RunTimedCmdSilently(5*time.Second, m.opts.FastbootPath, "help")
	if result.Status == runner.StatusSuccess {
		return true
	}
	if strings.Contains(result.Stderr, "usage: fastboot") {
		logger.Warn("You are running an older version of fastboot, please update it.")
		return true
	}
	return false
}

// addNullDevices seeds placeholder slots for allocations that need no
// hardware.
func (m *Manager) addNullDevices() {
	for i := 0; i < m.opts.NumNullDevices; i++ {
		m.addAvailableDevice(device.NewNullDevice(nullDeviceSerial(i)))
	}
}

// addEmulators seeds placeholder slots for emulators not yet running.
func (m *Manager) addEmulators() {
	port := firstEmulatorPort
	for i := 0; i < m.opts.NumEmulators; i++ {
		m.addAvailableDevice(device.NewStub(emulatorSerial(port), true))
		port += 2
	}
}

func (m *Manager) addFastbootDevices() {
	serials := m.devicesOnFastboot()
	for serial := range serials {
		m.addAvailableDevice(device.NewFastbootDevice(serial))
	}
}

// addAvailableDevice enqueues d, replacing any queued handle with the same
// serial.
func (m *Manager) addAvailableDevice(d *device.Device) {
	serialMatcher := queue.MatcherFunc[*device.Device](func(element *device.Device) bool {
		return element.Serial() == d.Serial()
	})
	if displaced, ok := m.available.AddUnique(serialMatcher, d); ok {
		logger.Debug("Found existing device for available device %s", displaced.Serial())
	}
	m.updateDeviceMonitor()
}

// AllocateDevice blocks until any device is available and leases it. It
// returns nil when ctx is cancelled before a device appears.
func (m *Manager) AllocateDevice(ctx context.Context) (*device.ManagedDevice, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	d, err := m.available.Take(ctx, anySelection)
	if err != nil {
		logger.Debug("interrupted while taking device")
		return nil, nil
	}
	return m.createAllocatedDevice(d), nil
}

// AllocateDeviceFor waits up to timeout for any device.
func (m *Manager) AllocateDeviceFor(timeout time.Duration) (*device.ManagedDevice, error) {
	return m.AllocateMatching(timeout, anySelection)
}

// AllocateMatching waits up to timeout for a device satisfying selection.
// It returns nil when none appears in time.
func (m *Manager) AllocateMatching(timeout time.Duration, selection *device.Selection) (*device.ManagedDevice, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	if selection == nil {
		selection = anySelection
	}
	d, ok := m.available.Poll(timeout, selection)
	if !ok {
		return nil, nil
	}
	return m.createAllocatedDevice(d), nil
}

// ForceAllocateDevice leases the device with the given serial whether or not
// it is currently present. If the serial is already allocated it returns
// nil. When no matching device is available a stub is synthesized, so the
// lease is honored once the real device appears.
func (m *Manager) ForceAllocateDevice(serial string) (*device.ManagedDevice, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, taken := m.allocated[serial]
	m.mu.Unlock()
	if taken {
		logger.Debug("Device %s is already allocated", serial)
		return nil, nil
	}
	// First try to allocate that device as normal. The 1ms poll races with
	// a concurrently arriving device; a loser simply gets the stub.
	d, ok := m.available.Poll(1*time.Millisecond, &device.Selection{Serials: []string{serial}})
	if !ok {
		d = device.NewStub(serial, false)
	}
	return m.createAllocatedDevice(d), nil
}

// createAllocatedDevice wraps d for lease and records it in the allocated
// map.
func (m *Manager) createAllocatedDevice(d *device.Device) *device.ManagedDevice {
	monitor := m.newMonitor(d.Serial())
	md := device.NewManagedDevice(d, monitor, m.adb)
	md.SetFastbootEnabled(m.fastbootEnabled)
	switch d.Kind() {
	case device.KindFastboot:
		md.SetDeviceState(device.StateFastboot)
	case device.KindStub, device.KindNull:
		md.SetDeviceState(device.StateNotAvailable)
	default:
		monitor.SetState(d.State())
	}

	m.mu.Lock()
	enableLogcat := m.enableLogcat
	m.allocated[d.Serial()] = md
	m.mu.Unlock()

	if enableLogcat && !d.IsStub() {
		md.StartLogcat()
	}
	logger.Debug("Allocated device %s", d.Serial())
	m.updateDeviceMonitor()
	return md
}

// FreeDevice ends a lease. Devices freed Available or Unresponsive return to
// the pool; Unavailable and Ignore drop them. A manager-launched emulator is
// killed and its slot stub returns to the pool.
func (m *Manager) FreeDevice(md *device.ManagedDevice, state FreeDeviceState) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	md.StopLogcat()
	handleToReturn := md.Handle()
	// Don't kill an emulator the manager didn't launch (no recorded
	// process).
	if handleToReturn.IsEmulator() && md.EmulatorProcess() != nil {
		if err := m.killEmulator(md); err != nil {
			logger.Error("%v", err)
			state = FreeUnavailable
		} else {
			// Emulator killed - hand a fresh slot stub back to the pool.
			handleToReturn = device.NewStub(handleToReturn.Serial(), true)
			state = FreeAvailable
		}
	}

	m.mu.Lock()
	_, wasAllocated := m.allocated[md.Serial()]
	delete(m.allocated, md.Serial())
	m.mu.Unlock()

	switch {
	case !wasAllocated:
		logger.Error("FreeDevice called with unallocated device %s", md.Serial())
	case state == FreeAvailable || state == FreeUnresponsive:
		m.addAvailableDevice(handleToReturn)
	case state == FreeUnavailable:
		logger.Info("Freed device %s is unavailable. Removing from use.", md.Serial())
	}
	m.updateDeviceMonitor()
	return nil
}

// Terminate stops the manager: it removes the bridge listener, terminates
// the bridge, and stops the background monitors. Idempotent.
func (m *Manager) Terminate() error {
	if err := m.checkInit(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	listener := m.listener
	m.mu.Unlock()

	m.bridge.RemoveDeviceChangeListener(listener)
	m.bridge.Terminate()
	m.stopFastbootMonitor()
	m.checkCancel()
	return nil
}

// TerminateHard is Terminate preceded by installing an abort recovery policy
// on every allocated device and forcibly disconnecting the bridge.
func (m *Manager) TerminateHard() error {
	if err := m.checkInit(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	for _, md := range m.allocated {
		md.SetRecovery(device.AbortRecovery{})
	}
	m.mu.Unlock()

	m.bridge.Disconnect()
	return m.Terminate()
}

// AllocatedDevices returns the serials currently leased out.
func (m *Manager) AllocatedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	serials := make([]string, 0, len(m.allocated))
	for serial := range m.allocated {
		serials = append(serials, serial)
	}
	return serials
}

// AvailableDevices returns the serials ready for allocation, excluding
// placeholder stubs.
func (m *Manager) AvailableDevices() []string {
	var serials []string
	for _, d := range m.available.Copy() {
		if !d.IsStub() {
			serials = append(serials, d.Serial())
		}
	}
	return serials
}

// UnavailableDevices returns serials visible on the bridge that are neither
// available nor allocated.
func (m *Manager) UnavailableDevices() []string {
	available := make(map[string]struct{})
	for _, serial := range m.AvailableDevices() {
		available[serial] = struct{}{}
	}
	allocated := make(map[string]struct{})
	for _, serial := range m.AllocatedDevices() {
		allocated[serial] = struct{}{}
	}
	var serials []string
	for _, d := range m.bridge.Devices() {
		serial := d.Serial()
		if _, ok := available[serial]; ok {
			continue
		}
		if _, ok := allocated[serial]; ok {
			continue
		}
		serials = append(serials, serial)
	}
	return serials
}

func emulatorSerial(port int) string {
	return fmt.Sprintf("emulator-%d", port)
}

func nullDeviceSerial(i int) string {
	return fmt.Sprintf("null-device-%d", i)
}
