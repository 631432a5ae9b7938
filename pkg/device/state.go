// Package device provides device handles, selection criteria, and per-device
// state monitoring.
package device

// State is the reported mode of a device.
type State int

const (
	// StateOnline means the device is visible on adb and accepting commands.
	StateOnline State = iota
	// StateOffline means the device is visible on adb but not responding.
	StateOffline
	// StateRecovery means the device is in recovery mode.
	StateRecovery
	// StateFastboot means the device is in fastboot mode and only answers
	// fastboot commands.
	StateFastboot
	// StateNotAvailable means the device is not visible at all.
	StateNotAvailable
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	case StateRecovery:
		return "RECOVERY"
	case StateFastboot:
		return "FASTBOOT"
	case StateNotAvailable:
		return "NOT_AVAILABLE"
	}
	return "UNKNOWN"
}

// ParseAdbState maps an adb-reported state string to a State.
// A device can be communicated with only when it reports "device".
func ParseAdbState(raw string) State {
	switch raw {
	case "device":
		return StateOnline
	case "offline":
		return StateOffline
	case "recovery":
		return StateRecovery
	default:
		return StateNotAvailable
	}
}
