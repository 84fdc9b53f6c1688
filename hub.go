package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"livesub/internal/config"
	"livesub/internal/hub"
	"livesub/internal/logging"
)

func newHubCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "hub",
		Short:        "Run a standalone hub that relays every message to the other clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runHub(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides LIVESUB_ADDR)")
	return cmd
}

func runHub(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New()
	h.OnEmpty(func() { logging.Infow("all hub clients disconnected") })
	server := hub.NewServer(ctx, h, nil, hub.ServerConfig{
		Path:            cfg.Server.Path,
		MaxMessageBytes: cfg.Server.MaxUploadBytes,
		Rebroadcast:     true,
	})

	err := serveHTTP(ctx, cfg.Server.Addr, server.Handler())
	h.Close()
	return err
}
