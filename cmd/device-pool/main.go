package main

import "github.com/devicelab-dev/device-pool/pkg/cli"

func main() {
	cli.Execute()
}
