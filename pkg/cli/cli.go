// Package cli provides the command-line interface for device-pool.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/device-pool/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to devicepool.yaml",
		EnvVars: []string{"DEVICE_POOL_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "adb",
		Usage:   "Path to the adb binary",
		EnvVars: []string{"DEVICE_POOL_ADB"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "Write logs to this file",
		Value:   "device-pool.log",
		EnvVars: []string{"DEVICE_POOL_LOG"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Echo logs to stderr",
		EnvVars: []string{"DEVICE_POOL_VERBOSE"},
	},
}

// Execute runs the CLI.
func Execute() {
	app := &cli.App{
		Name:    "device-pool",
		Usage:   "Device pool manager for adb-visible devices",
		Version: Version,
		Description: `device-pool discovers devices over the Android debug bridge, qualifies
them for test use, and manages an allocation pool with exclusive leases.

Examples:
  device-pool devices
  device-pool connect 10.0.0.5:5555
  device-pool disconnect 10.0.0.5:5555`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			logger.SetVerbose(c.Bool("verbose"))
			if logPath := c.String("log-file"); logPath != "" {
				return logger.Init(logPath)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			logger.Close()
			return nil
		},
		Commands: []*cli.Command{
			devicesCommand,
			connectCommand,
			disconnectCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
