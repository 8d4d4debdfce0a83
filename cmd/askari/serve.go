package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/daemon"
	goutils "github.com/jkaninda/go-utils"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization daemon",
	RunE:  runServe,
}

func init() {
	// Register the flag on both root and serve so that
	// `askari --config path` and `askari serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
}

// runServe starts the Askari daemon: policy store, decision engine, prompt
// surface, and admin API.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("ASKARI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
