// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jeranaias/chatwidget/internal/config"
	"github.com/jeranaias/chatwidget/internal/coordinator"
	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/session"
	"github.com/jeranaias/chatwidget/internal/storage"
	"github.com/jeranaias/chatwidget/internal/telemetry"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// Runtime bundles everything a chat session needs.
type Runtime struct {
	Config      *config.Config
	Client      *transport.Client
	Store       *storage.Store
	State       *session.State
	Tracker     *telemetry.Tracker
	Publisher   telemetry.Publisher
	Coordinator *coordinator.Coordinator
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Storage.Backend,
		Dir:         cfg.Storage.Dir,
		SQLitePath:  cfg.Storage.SQLitePath,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisTTL:    cfg.Storage.RedisTTL.Duration,
		DatabaseURL: cfg.Storage.DatabaseURL,
	})
	if err != nil {
		return nil, NewCommandError("storage", "open", cfg.Storage.Backend, err)
	}
	return store, nil
}

// newClient builds the backend client from the widget settings.
func newClient(cfg *config.Config, logger zerolog.Logger) *transport.Client {
	c := transport.NewClient(cfg.Widget.APIHost, cfg.Widget.ChatflowID).
		WithLogger(logger)
	if cfg.Widget.RequestTimeout.Duration > 0 {
		c = c.WithTimeout(cfg.Widget.RequestTimeout.Duration)
	}
	if cfg.Widget.RequestsPerSecond > 0 {
		c = c.WithRateLimit(cfg.Widget.RequestsPerSecond, 1)
	}
	return c
}

// newPublisher connects to NATS when events are configured.
func newPublisher(cfg *config.Config, logger zerolog.Logger) telemetry.Publisher {
	if cfg.Events.NATSURL == "" {
		return telemetry.NopPublisher{}
	}
	pub, err := telemetry.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSToken, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.Events.NATSURL).Msg("event publishing disabled")
		return telemetry.NopPublisher{}
	}
	return pub
}

// NewRuntime wires storage, transport, telemetry and the coordinator for
// the configured chatflow. The caller must Close it.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := requireChatflow(cfg); err != nil {
		return nil, err
	}
	logger := logging.Component("cli")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var tracker *telemetry.Tracker
	if stats, err := telemetry.NewStatsStorage(cfg.Events.StatsDir); err != nil {
		logger.Warn().Err(err).Msg("session stats kept in memory only")
		tracker = telemetry.NewTracker(cfg.Widget.ChatflowID, nil)
	} else {
		tracker = telemetry.NewTracker(cfg.Widget.ChatflowID, stats)
	}

	client := newClient(cfg, logging.Component("transport"))
	publisher := newPublisher(cfg, logging.Component("events"))

	state := session.NewState(session.Config{
		ChatflowID: cfg.Widget.ChatflowID,
		Persister:  store,
	})

	coord := coordinator.New(client, state, store, coordinator.Config{
		ChatflowID:        cfg.Widget.ChatflowID,
		CustomerID:        cfg.Widget.CustomerID,
		AssistantGreeting: cfg.Widget.AssistantGreeting,
		User:              cfg.User,
		OverrideConfig:    cfg.Widget.OverrideConfig,
		HandoffDelay:      cfg.Polling.HandoffDelay.Duration,
		PollInterval:      cfg.Polling.Interval.Duration,
		ClosingPhrases:    cfg.Polling.ClosingPhrases,
		Tracker:           tracker,
		Publisher:         publisher,
	})

	return &Runtime{
		Config:      cfg,
		Client:      client,
		Store:       store,
		State:       state,
		Tracker:     tracker,
		Publisher:   publisher,
		Coordinator: coord,
	}, nil
}

// Close stops the coordinator, saves stats and releases connections.
func (r *Runtime) Close() error {
	r.Coordinator.Close()
	if err := r.Tracker.EndSession(); err != nil {
		log := logging.Component("cli")
		log.Debug().Err(err).Msg("save session stats")
	}
	r.Publisher.Close()
	if err := r.Store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
