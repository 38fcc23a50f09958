// Package cli implements the outpost command line entry points.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "agent", "http":
		return runAgent(ctx, args[1:])
	case "version", "--version", "-v":
		fmt.Println("outpost " + version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`outpost - expose a local HTTP server through a public relay

Usage:
  outpost server --domain relay.example.com [flags]   run the public relay
  outpost agent --relay URL --port N [flags]          expose a local port
  outpost version                                     print version

Run either command with -h for its flags.
`)
}
