package manager

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/device-pool/pkg/device"
)

func TestEmulatorSlotsSeededAtInit(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 2
	opts.NumNullDevices = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	serials := make(map[string]bool)
	for _, d := range env.m.available.Copy() {
		serials[d.Serial()] = true
	}
	assert.True(t, serials["emulator-5554"])
	assert.True(t, serials["emulator-5556"], "emulator ports advance by 2 per slot")
	assert.True(t, serials["null-device-0"])
	// Placeholders never show up as available hardware.
	assert.Empty(t, env.m.AvailableDevices())
}

func TestLaunchEmulatorAndFree(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "emulator-5554", md.Serial())
	assert.True(t, md.Handle().IsEmulator())
	assert.Equal(t, device.StateNotAvailable, md.DeviceState())

	require.NoError(t, env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator", "-avd", "x"}))
	assert.Equal(t, []string{"emulator", "-avd", "x", "-port", "5554"}, env.fr.lastBackgroundCmd())
	require.NotNil(t, md.EmulatorProcess(), "launch must record the child on the lease")

	// Freeing a launched emulator kills it and returns the slot stub.
	require.NoError(t, env.m.FreeDevice(md, FreeAvailable))
	assert.True(t, env.fr.ranCommand("emu kill"))
	assert.Empty(t, env.m.AllocatedDevices())

	again, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "emulator-5554", again.Serial())
	assert.True(t, again.Handle().IsStub())
	assert.Nil(t, again.EmulatorProcess(), "the recycled slot must not inherit the dead process")
}

func TestLaunchEmulatorRejectsNonEmulator(t *testing.T) {
	env := newTestEnv(t, baseOpts(), false)
	require.NoError(t, env.m.Init(nil))
	env.connectOnline("A1B2")

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)

	err = env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an emulator")
}

func TestLaunchEmulatorRejectsWrongState(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)
	md.SetDeviceState(device.StateOnline)

	err = env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected NOT_AVAILABLE")
}

func TestLaunchEmulatorBadPort(t *testing.T) {
	env := newTestEnv(t, baseOpts(), false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.ForceAllocateDevice("emulator-xyz")
	require.NoError(t, err)
	require.NotNil(t, md)

	err = env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLaunchEmulatorDeadProcess(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)

	// The spawned process exits immediately instead of booting.
	env.fr.bgStart = func(cmd []string) (*exec.Cmd, error) {
		c := exec.Command("sh", "-c", "exit 0")
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c, nil
	}

	err = env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator"})
	require.ErrorIs(t, err, ErrDeviceNotAvailable)
	assert.Nil(t, md.EmulatorProcess())
}

func TestFreeDoesNotKillExternalEmulator(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)

	// No launch happened: freeing must not attempt a kill.
	require.NoError(t, env.m.FreeDevice(md, FreeAvailable))
	assert.False(t, env.fr.ranCommand("emu kill"))
}

func TestKillEmulatorFailureMarksUnavailable(t *testing.T) {
	opts := baseOpts()
	opts.NumEmulators = 1
	env := newTestEnv(t, opts, false)
	require.NoError(t, env.m.Init(nil))

	md, err := env.m.AllocateDeviceFor(time.Second)
	require.NoError(t, err)
	require.NotNil(t, md)
	require.NoError(t, env.m.LaunchEmulator(md, time.Second, env.fr, []string{"emulator"}))

	// The emulator refuses to die: it never reports NOT_AVAILABLE.
	env.monitor("emulator-5554").mu.Lock()
	env.monitor("emulator-5554").notAvailableOK = false
	env.monitor("emulator-5554").mu.Unlock()

	require.NoError(t, env.m.FreeDevice(md, FreeAvailable))
	// The kill failed, so the device is dropped instead of returning to the
	// pool.
	assert.Empty(t, env.m.AllocatedDevices())
	assert.Equal(t, 0, env.m.available.Size())
}
