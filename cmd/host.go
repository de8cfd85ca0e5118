package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotclaw/dotclaw/internal/app"
	"github.com/dotclaw/dotclaw/internal/config"
)

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Run the agent host (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runHost()
		},
	}
}

// runHost builds and runs the host. Exit 0 on clean shutdown, 1 on fatal
// startup error.
func runHost() {
	slog.Info("dotclaw", "version", Version)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		slog.Error("host exited with error", "error", err)
		os.Exit(1)
	}
}
