package main

import (
	"os"

	"github.com/outpost-sh/outpost/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
