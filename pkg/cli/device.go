package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-pool/pkg/bridge"
	"github.com/devicelab-dev/device-pool/pkg/config"
	"github.com/devicelab-dev/device-pool/pkg/manager"
	"github.com/devicelab-dev/device-pool/pkg/runner"
)

// Settle time after init for the first bridge enumeration and admission
// checks to land.
const discoverySettle = 2 * time.Second

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List every visible device and its pool classification",
	Description: `Discover devices through adb and print one row per device with its
allocation state.

Examples:
  device-pool devices
  device-pool devices --wait 5s`,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for discovery before listing",
			Value: discoverySettle,
		},
		&cli.BoolFlag{
			Name:  "no-ansi",
			Usage: "Disable ANSI colors",
		},
	},
	Action: runDevices,
}

var connectCommand = &cli.Command{
	Name:      "connect",
	Usage:     "Attach a device over adb tcp and hold a lease on it",
	ArgsUsage: "<ip:port>",
	Action:    runConnect,
}

var disconnectCommand = &cli.Command{
	Name:      "disconnect",
	Usage:     "Switch a tcp device back to usb and release it",
	ArgsUsage: "<ip:port>",
	Action:    runDisconnect,
}

func buildManager(c *cli.Context) (*manager.Manager, error) {
	var opts *config.Options
	var err error
	if path := c.String("config"); path != "" {
		opts, err = config.Load(path)
	} else {
		opts, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, err
	}
	if adbPath := c.String("adb"); adbPath != "" {
		opts.AdbPath = adbPath
	}

	run := runner.Default()
	mgr := manager.New(bridge.NewAdbBridge(run), run, opts, nil)
	if err := mgr.Init(opts.GlobalFilter); err != nil {
		return nil, err
	}
	return mgr, nil
}

func runDevices(c *cli.Context) error {
	if c.Bool("no-ansi") {
		color.NoColor = true
	}
	mgr, err := buildManager(c)
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	time.Sleep(c.Duration("wait"))

	entries, err := mgr.ListDeviceEntries()
	if err != nil {
		return err
	}
	displayDeviceEntries(os.Stdout, entries)
	return nil
}

// displayDeviceEntries renders the fleet table: one row per device with its
// classification and reported properties.
func displayDeviceEntries(w io.Writer, entries []manager.DeviceEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Serial\tAllocation\tState\tProduct\tVariant\tBattery")
	for _, entry := range entries {
		d := entry.Device
		battery := "unknown"
		if level, known := d.Battery(); known {
			battery = strconv.Itoa(level)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Serial(),
			colorAllocation(entry.Allocation),
			d.State(),
			display(d.Product()),
			display(d.Variant()),
			battery)
	}
	tw.Flush()
}

func colorAllocation(allocation string) string {
	switch allocation {
	case manager.AllocationAvailable:
		return color.GreenString(allocation)
	case manager.AllocationAllocated:
		return color.YellowString(allocation)
	default:
		return color.RedString(allocation)
	}
}

func display(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func runConnect(c *cli.Context) error {
	ipAndPort := c.Args().First()
	if ipAndPort == "" {
		return fmt.Errorf("usage: device-pool connect <ip:port>")
	}
	mgr, err := buildManager(c)
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	d, err := mgr.ConnectToTcpDevice(ipAndPort)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("could not connect to device on %s", ipAndPort)
	}
	fmt.Printf("Connected to %s\n", d.Serial())
	return nil
}

func runDisconnect(c *cli.Context) error {
	ipAndPort := c.Args().First()
	if ipAndPort == "" {
		return fmt.Errorf("usage: device-pool disconnect <ip:port>")
	}
	mgr, err := buildManager(c)
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	d, err := mgr.ForceAllocateDevice(ipAndPort)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("device %s is held by another lease", ipAndPort)
	}
	if !mgr.DisconnectFromTcpDevice(d) {
		return fmt.Errorf("device %s did not switch back to usb", ipAndPort)
	}
	fmt.Printf("Disconnected %s\n", ipAndPort)
	return nil
}
