package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/outpost-sh/outpost/internal/config"
	"github.com/outpost-sh/outpost/internal/log"
	"github.com/outpost-sh/outpost/internal/relay"
	"github.com/outpost-sh/outpost/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseRelayFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	rl, err := relay.New(cfg, store, logger)
	if err != nil {
		logger.Error("failed to build relay", "err", err)
		return 1
	}
	if err := rl.Run(ctx); err != nil {
		logger.Error("relay exited", "err", err)
		return 1
	}
	return 0
}
