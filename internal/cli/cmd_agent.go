package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/outpost-sh/outpost/internal/agent"
	"github.com/outpost-sh/outpost/internal/config"
	"github.com/outpost-sh/outpost/internal/log"
)

func runAgent(ctx context.Context, args []string) int {
	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent exited", "err", err)
		return 1
	}
	return 0
}
