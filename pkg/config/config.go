// Package config handles configuration for the device pool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/device-pool/pkg/device"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Options configures the device manager (devicepool.yaml).
type Options struct {
	// Tool locations
	AdbPath      string `yaml:"adbPath"`
	FastbootPath string `yaml:"fastbootPath"`

	// Pool sizing
	NumEmulators   int `yaml:"numEmulators"`   // emulator slot stubs added at init
	NumNullDevices int `yaml:"numNullDevices"` // null-device stubs added at init

	// Allocated-device behavior
	EnableLogcat *bool `yaml:"enableLogcat"`

	// Device timeouts
	OnlineTimeout    Duration `yaml:"onlineTimeout"`
	AvailableTimeout Duration `yaml:"availableTimeout"`
	FastbootTimeout  Duration `yaml:"fastbootTimeout"`
	RebootTimeout    Duration `yaml:"rebootTimeout"`

	// Global admission filter
	GlobalFilter *device.Selection `yaml:"globalFilter"`
}

// Default returns the standard options.
func Default() *Options {
	enableLogcat := true
	return &Options{
		AdbPath:          "adb",
		FastbootPath:     "fastboot",
		NumEmulators:     1,
		NumNullDevices:   1,
		EnableLogcat:     &enableLogcat,
		OnlineTimeout:    Duration(1 * time.Minute),
		AvailableTimeout: Duration(6 * time.Minute),
		FastbootTimeout:  Duration(1 * time.Minute),
		RebootTimeout:    Duration(2 * time.Minute),
	}
}

// Load loads options from a file, on top of the defaults.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	opts := Default()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// LoadFromDir looks for devicepool.yaml or devicepool.yml in the directory.
func LoadFromDir(dir string) (*Options, error) {
	configPath := filepath.Join(dir, "devicepool.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	configPath = filepath.Join(dir, "devicepool.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, use defaults
	return Default(), nil
}

// LogcatEnabled reports whether allocated devices should capture logcat.
func (o *Options) LogcatEnabled() bool {
	return o.EnableLogcat == nil || *o.EnableLogcat
}
