// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve_cmd.go - Widget proxy command.
//
// Command: serve
// Short:   Run the reverse proxy for embedded widgets
//
// Examples:
//   chatwidget serve                      Listen on proxy.listen (:3000)
//   chatwidget serve --listen :8080       Listen elsewhere
//   chatwidget serve --dev-origin http://localhost:5173

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/config"
	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/server"
)

// shutdownTimeout bounds the graceful shutdown of the proxy.
const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listen    string
	devOrigin string
}

func newServeCommand(opts *GlobalOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reverse proxy for embedded widgets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, so)
		},
	}
	cmd.Flags().StringVar(&so.listen, "listen", "", "listen address (overrides proxy.listen)")
	cmd.Flags().StringVar(&so.devOrigin, "dev-origin", "", "admit unknown flows from this origin (development only)")
	return cmd
}

// serverConfig maps the proxy settings onto the server package.
func serverConfig(cfg *config.Config, so *serveOptions) server.Config {
	flows := make(map[string]server.Flow, len(cfg.Proxy.Flows))
	for id, f := range cfg.Proxy.Flows {
		flows[id] = server.Flow{ChatflowID: f.ChatflowID, Domains: f.Domains}
	}
	listen := cfg.Proxy.Listen
	if so != nil && so.listen != "" {
		listen = so.listen
	}
	sc := server.Config{
		Listen:            listen,
		Upstream:          cfg.Proxy.Upstream,
		APIKey:            cfg.Proxy.APIKey,
		DefaultChatflowID: cfg.Widget.ChatflowID,
		Flows:             flows,
		RatePerMinute:     cfg.Proxy.RatePerMinute,
		Burst:             cfg.Proxy.Burst,
	}
	if so != nil {
		sc.DevBaseURL = so.devOrigin
	}
	return sc
}

func runServe(ctx context.Context, opts *GlobalOptions, so *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logFile, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger := logging.Component("server")
	sc := serverConfig(cfg, so)
	sc.Logger = &logger

	srv, err := server.New(sc)
	if err != nil {
		return NewCommandError("serve", "start", "invalid proxy configuration", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if !opts.JSON {
		fmt.Println(SuccessStyle.Render("Proxy listening on "+sc.Listen) + DimStyle.Render(" → "+sc.Upstream))
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return NewCommandError("serve", "listen", sc.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return NewCommandError("serve", "shutdown", "graceful shutdown failed", err)
	}

	st := srv.Stats()
	logger.Info().
		Int64("predictions", st.Predictions).
		Int64("transfers", st.Transfers).
		Int64("proxied", st.Proxied).
		Int64("rejected", st.Rejected).
		Msg("proxy stopped")
	return nil
}
