package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"livesub/internal/config"
	"livesub/internal/domain"
	"livesub/internal/hub"
	"livesub/internal/logging"
	"livesub/internal/ports"
	"livesub/internal/relay"
	"livesub/internal/router"
	"livesub/internal/rules"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var relayURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription pipeline with its subtitle hub",
		Long: "Run the transcription pipeline. By default it also serves the websocket hub; " +
			"with --relay it pushes results to a separate hub and takes control messages from it.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("relay") {
				cfg.Relay.URL = relayURL
				if err := cfg.RequireRelay(); err != nil {
					return err
				}
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "Hub websocket URL to push results to instead of serving locally")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		out    ports.Broadcaster
		local  *hub.Hub
		client *relay.Client
		app    *App
	)
	if cfg.Relay.URL != "" {
		client = relay.New(relay.Options{
			URL:       cfg.Relay.URL,
			BaseDelay: cfg.Relay.BaseDelay,
			MaxDelay:  cfg.Relay.MaxDelay,
			OnMessage: func(ctx context.Context, binary bool, data []byte) {
				hub.Dispatch(ctx, app, binary, data)
			},
		})
		out = client
	} else {
		local = hub.New()
		out = local
	}
	rt := router.New(out)
	app = NewApp(rt)
	if local != nil {
		local.OnEmpty(app.subscribersGone)
	}

	services, err := app.startup(ctx, cfg)
	if err != nil {
		return err
	}
	logging.Infow("pipeline configured", runtimeFields(app.GetRuntimeInfo())...)

	var background sync.WaitGroup
	stopInterims := routeResults(&background, rt, services.Pool.Results(), services.Controller.Interims())
	services.Pool.Start(ctx)

	background.Add(1)
	go func() {
		defer background.Done()
		watchReload(ctx, services.Glossary)
	}()

	var serveErr error
	if client != nil {
		logging.Infow("relaying results", "relay.url", cfg.Relay.URL)
		background.Add(1)
		go func() {
			defer background.Done()
			client.Run(ctx)
		}()
		<-ctx.Done()
	} else {
		server := hub.NewServer(ctx, local, app, hub.ServerConfig{
			Path:            cfg.Server.Path,
			MaxMessageBytes: cfg.Server.MaxUploadBytes,
		})
		serveErr = serveHTTP(ctx, cfg.Server.Addr, server.Handler())
		local.Close()
	}

	stop()
	services.Close()
	stopInterims()
	background.Wait()
	logging.Infow("pipeline stopped")
	return serveErr
}

// routeResults runs rt over both streams. Finals are drained until the pool
// closes its results channel, so nothing queued is lost on shutdown; the
// interim stream stops when the returned func is called.
func routeResults(wg *sync.WaitGroup, rt *router.Router, finals, interims <-chan domain.TranscriptResult) context.CancelFunc {
	interimCtx, cancel := context.WithCancel(context.Background())
	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.Run(context.Background(), finals, nil)
	}()
	go func() {
		defer wg.Done()
		rt.Run(interimCtx, nil, interims)
	}()
	return cancel
}

// watchReload reloads the glossary on SIGHUP.
func watchReload(ctx context.Context, glossary *rules.Glossary) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := glossary.Reload(); err != nil {
				logging.Warnw("glossary reload failed, keeping previous rules", "error", err)
				continue
			}
			logging.Infow("glossary reloaded", "rules", glossary.Len())
		}
	}
}

// serveHTTP runs handler on addr until ctx ends, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infow("websocket server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown", "error", err)
	}
	return nil
}

func runtimeFields(info map[string]string) []interface{} {
	fields := make([]interface{}, 0, len(info)*2)
	for k, v := range info {
		fields = append(fields, k, v)
	}
	return fields
}
