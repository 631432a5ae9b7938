package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

const defaultPollInterval = 1 * time.Second

// AdbBridge implements Bridge by polling `adb devices -l` and diffing
// consecutive snapshots into connect/change/disconnect events.
type AdbBridge struct {
	run          device.CommandRunner
	pollInterval time.Duration

	mu        sync.Mutex
	adbPath   string
	timeout   time.Duration
	listeners []Listener
	devices   map[string]*device.Device
	quit      chan struct{}
	started   bool
}

// NewAdbBridge creates a bridge that polls adb through run.
func NewAdbBridge(run device.CommandRunner) *AdbBridge {
	return &AdbBridge{
		run:          run,
		pollInterval: defaultPollInterval,
		timeout:      30 * time.Second,
		devices:      make(map[string]*device.Device),
	}
}

// Init starts the polling loop. The first enumeration happens asynchronously
// so registration of listeners before Init is race free.
func (b *AdbBridge) Init(clientSupport bool, adbPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if adbPath == "" {
		adbPath = "adb"
	}
	b.adbPath = adbPath
	b.quit = make(chan struct{})
	b.started = true
	go b.loop(b.quit)
	return nil
}

// Terminate stops the polling loop. Idempotent.
func (b *AdbBridge) Terminate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	close(b.quit)
}

// Disconnect kills the adb server and stops the loop.
func (b *AdbBridge) Disconnect() {
	b.mu.Lock()
	path, timeout := b.adbPath, b.timeout
	b.mu.Unlock()
	if path != "" {
		b.run.RunTimedCmdSilently(timeout, path, "kill-server")
	}
	b.Terminate()
}

// SetTimeout bounds each `adb devices` invocation.
func (b *AdbBridge) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Devices returns a snapshot of the devices seen in the last poll.
func (b *AdbBridge) Devices() []*device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make([]*device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		snapshot = append(snapshot, d)
	}
	return snapshot
}

// AddDeviceChangeListener registers l for subsequent device events.
func (b *AdbBridge) AddDeviceChangeListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// RemoveDeviceChangeListener unregisters l.
func (b *AdbBridge) RemoveDeviceChangeListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, known := range b.listeners {
		if known == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *AdbBridge) loop(quit chan struct{}) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		b.poll()
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
	}
}

func (b *AdbBridge) poll() {
	b.mu.Lock()
	path, timeout := b.adbPath, b.timeout
	b.mu.Unlock()

	result := b.run.RunTimedCmdSilently(timeout, path, "devices", "-l")
	if result.Status != runner.StatusSuccess {
		logger.Warn("'adb devices' failed: %s, stderr: %s", result.Status, result.Stderr)
		return
	}
	seen := parseDevicesOutput(result.Stdout)

	type event struct {
		kind   int // 0 connected, 1 changed, 2 disconnected
		handle *device.Device
	}
	var events []event

	b.mu.Lock()
	for serial, entry := range seen {
		known, ok := b.devices[serial]
		if !ok {
			d := device.NewDevice(serial, entry.state)
			d.SetProductInfo(entry.product, entry.variant)
			b.devices[serial] = d
			events = append(events, event{kind: 0, handle: d})
			continue
		}
		if known.State() != entry.state {
			known.SetState(entry.state)
			events = append(events, event{kind: 1, handle: known})
		}
	}
	for serial, known := range b.devices {
		if _, ok := seen[serial]; !ok {
			delete(b.devices, serial)
			known.SetState(device.StateNotAvailable)
			events = append(events, event{kind: 2, handle: known})
		}
	}
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			switch ev.kind {
			case 0:
				l.DeviceConnected(ev.handle)
			case 1:
				l.DeviceChanged(ev.handle, ChangeState)
			case 2:
				l.DeviceDisconnected(ev.handle)
			}
		}
	}
}

type deviceLine struct {
	state   device.State
	product string
	variant string
}

// parseDevicesOutput parses `adb devices -l` output. Lines look like:
//
//	R5CR50ABCDE    device product:a54xeea model:SM_A546B device:a54x transport_id:3
//	emulator-5554  offline
func parseDevicesOutput(out string) map[string]deviceLine {
	parsed := make(map[string]deviceLine)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entry := deviceLine{state: device.ParseAdbState(fields[1])}
		for _, field := range fields[2:] {
			if v, ok := strings.CutPrefix(field, "product:"); ok {
				entry.product = v
			}
			if v, ok := strings.CutPrefix(field, "device:"); ok {
				entry.variant = v
			}
		}
		parsed[fields[0]] = entry
	}
	return parsed
}
