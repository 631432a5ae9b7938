package device

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/devicelab-dev/device-pool/pkg/logger"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

// CommandRunner is the subset of the process executor that device-level
// operations need.
type CommandRunner interface {
	RunTimedCmd(timeout time.Duration, command ...string) *runner.CommandResult
	RunTimedCmdSilently(timeout time.Duration, command ...string) *runner.CommandResult
	RunCmdInBackground(command ...string) (*exec.Cmd, error)
	Sleep(d time.Duration)
}

// Default adb command timeout for short device round trips.
const adbCmdTimeout = 30 * time.Second

// Adb issues adb commands against individual devices.
type Adb struct {
	path string
	run  CommandRunner
}

// NewAdb creates an Adb helper using the given adb binary path.
func NewAdb(path string, run CommandRunner) *Adb {
	if path == "" {
		path = "adb"
	}
	return &Adb{path: path, run: run}
}

// Path returns the adb binary path.
func (a *Adb) Path() string {
	return a.path
}

// ProbeShell runs a shell round trip on the device and reports whether it
// answered within timeout.
func (a *Adb) ProbeShell(serial string, timeout time.Duration) bool {
	result := a.run.RunTimedCmdSilently(timeout, a.path, "-s", serial, "shell", "echo", "alive")
	return result.Status == runner.StatusSuccess
}

// Shell runs a shell command on the device and returns its stdout.
func (a *Adb) Shell(serial string, args ...string) (string, error) {
	cmd := append([]string{a.path, "-s", serial, "shell"}, args...)
	result := a.run.RunTimedCmd(adbCmdTimeout, cmd...)
	if result.Status != runner.StatusSuccess {
		return "", fmt.Errorf("adb shell %v on %s: %s: %s", args, serial, result.Status, result.Stderr)
	}
	return result.Stdout, nil
}

// StartLogcat spawns a background logcat capture for the device, writing
// into the shared log. The caller owns the returned process.
func (a *Adb) StartLogcat(serial string) (*exec.Cmd, error) {
	cmd := exec.Command(a.path, "-s", serial, "logcat", "-v", "threadtime")
	cmd.Stdout = logger.GetWriter()
	cmd.Stderr = logger.GetWriter()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start logcat for %s: %w", serial, err)
	}
	return cmd, nil
}

// KillEmulatorConsole asks the emulator behind serial to shut down through
// its console.
func (a *Adb) KillEmulatorConsole(serial string, timeout time.Duration) bool {
	result := a.run.RunTimedCmd(timeout, a.path, "-s", serial, "emu", "kill")
	return result.Status == runner.StatusSuccess
}

// SwitchToTcp re-hosts the device's adb daemon on TCP port 5555 and returns
// the resulting ip:port endpoint.
func (a *Adb) SwitchToTcp(serial string) (string, error) {
	ip, err := a.deviceIP(serial)
	if err != nil {
		return "", err
	}
	result := a.run.RunTimedCmd(adbCmdTimeout, a.path, "-s", serial, "tcpip", "5555")
	if result.Status != runner.StatusSuccess {
		return "", fmt.Errorf("adb tcpip failed for %s: %s", serial, result.Status)
	}
	return fmt.Sprintf("%s:5555", ip), nil
}

// SwitchToUsb reverts the device's adb daemon to USB mode.
func (a *Adb) SwitchToUsb(serial string) error {
	result := a.run.RunTimedCmd(adbCmdTimeout, a.path, "-s", serial, "usb")
	if result.Status != runner.StatusSuccess {
		return fmt.Errorf("adb usb failed for %s: %s", serial, result.Status)
	}
	return nil
}

func (a *Adb) deviceIP(serial string) (string, error) {
	out, err := a.Shell(serial, "getprop", "dhcp.wlan0.ipaddress")
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" {
		return "", fmt.Errorf("device %s has no wlan ip address", serial)
	}
	return ip, nil
}
