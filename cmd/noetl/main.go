// Command noetl runs the workflow orchestration engine: the serve subcommand
// hosts the control plane and HTTP API, the worker subcommand runs a data
// plane worker pool against a remote control plane.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
