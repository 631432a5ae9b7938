package manager

import (
	"fmt"
	"strconv"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/device"
	"github.com/devicelab-dev/device-pool/pkg/logger"
)

const (
	// Settle time after spawning the emulator process before checking it is
	// still alive.
	emulatorSpawnSettle = 500 * time.Millisecond
	// Wait for a killed emulator to drop off the bridge.
	emulatorKillWait = 20 * time.Second
)

// LaunchEmulator boots an emulator into the slot held by md. The device must
// be an emulator slot in the NOT_AVAILABLE state. The emulator binary and
// its arguments come from emulatorArgs; the console port is derived from the
// slot's serial and appended. The spawned process is recorded on md and
// killed again at FreeDevice.
func (m *Manager) LaunchEmulator(md *device.ManagedDevice, bootTimeout time.Duration, run device.CommandRunner, emulatorArgs []string) error {
	handle := md.Handle()
	if !handle.IsEmulator() {
		return fmt.Errorf("device %s is not an emulator", md.Serial())
	}
	if md.DeviceState() != device.StateNotAvailable {
		return fmt.Errorf("emulator device %s is in state %s, expected %s",
			md.Serial(), md.DeviceState(), device.StateNotAvailable)
	}
	port, err := device.EmulatorPort(md.Serial())
	if err != nil {
		return err
	}
	fullArgs := append(append([]string{}, emulatorArgs...), "-port", strconv.Itoa(port))

	proc, err := run.RunCmdInBackground(fullArgs...)
	if err != nil {
		return fmt.Errorf("%w: failed to start emulator process: %v", ErrDeviceNotAvailable, err)
	}
	exited := make(chan struct{})
	go func() {
		proc.Wait()
		close(exited)
	}()

	// Give the process a moment to fail fast on a bad avd or busy port.
	m.run.Sleep(emulatorSpawnSettle)
	select {
	case <-exited:
		exitCode := -1
		if proc.ProcessState != nil {
			exitCode = proc.ProcessState.ExitCode()
		}
		logger.Error("Emulator process has died with exit value %d", exitCode)
		return fmt.Errorf("%w: emulator process has died unexpectedly", ErrDeviceNotAvailable)
	default:
	}

	md.SetEmulatorProcess(proc)
	md.StartLogcat()

	if !md.WaitForDeviceAvailable(bootTimeout) {
		return fmt.Errorf("%w: emulator %s did not boot within %v", ErrDeviceNotAvailable, md.Serial(), bootTimeout)
	}
	return nil
}

// killEmulator shuts down the emulator behind md: first through the emulator
// console, then by destroying the recorded process, and finally requires the
// device to drop off the bridge.
func (m *Manager) killEmulator(md *device.ManagedDevice) error {
	if !m.adb.KillEmulatorConsole(md.Serial(), emulatorKillWait) {
		logger.Warn("Could not kill emulator %s via console", md.Serial())
	}
	// Ensure the process is gone too - fall through even when the console
	// kill succeeded.
	if proc := md.EmulatorProcess(); proc != nil && proc.Process != nil {
		proc.Process.Kill()
	}
	if !md.WaitForDeviceNotAvailable(emulatorKillWait) {
		return fmt.Errorf("%w: failed to kill emulator %s", ErrDeviceNotAvailable, md.Serial())
	}
	return nil
}
