// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/config"
	"github.com/jeranaias/chatwidget/internal/logging"
)

// Version information (set at build time by main).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	Storage    string
	ChatflowID string
	APIHost    string
	JSON       bool
	NoColor    bool
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		DisplayError(err, jsonRequested(os.Args[1:]))
		return GetExitCode(err)
	}
	return ExitSuccess
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &GlobalOptions{}

	root := &cobra.Command{
		Use:   "chatwidget",
		Short: "Terminal client and proxy for chatflow widgets",
		Long: `chatwidget talks to a chatflow backend the way the embedded web widget does:
streamed or synchronous answers, operator handoff with polling, ratings and
lead capture, with the session kept in local storage.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.NoColor {
				ForceColorsEnabled(false)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ~/.chatwidget/config.toml)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&opts.Storage, "storage", "", "storage backend: file, sqlite, redis, postgres, memory")
	pf.StringVar(&opts.ChatflowID, "chatflow", "", "chatflow id")
	pf.StringVar(&opts.APIHost, "api-host", "", "chatflow backend base URL")
	pf.BoolVar(&opts.JSON, "json", false, "machine-readable output")
	pf.BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newChatCommand(opts),
		newHistoryCommand(opts),
		newServeCommand(opts),
		newConfigCommand(opts),
		newStatusCommand(opts),
		newTTSCommand(opts),
	)
	return root
}

// jsonRequested reports whether --json appears in args. Used only when
// cobra failed before flags were bound.
func jsonRequested(args []string) bool {
	for _, a := range args {
		if a == "--json" || a == "--json=true" {
			return true
		}
	}
	return false
}

// loadConfig loads the configuration and applies the flag overrides.
func loadConfig(opts *GlobalOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFromPath(opts.ConfigPath)
		if err != nil {
			return nil, NewCommandError("config", "load", opts.ConfigPath, err)
		}
	} else {
		cfg, err = config.Load()
		if cfg == nil {
			return nil, NewCommandError("config", "load", "defaults", err)
		}
		if err != nil {
			log.Warn().Err(err).Msg("config file ignored, using defaults")
		}
	}

	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Storage != "" {
		cfg.Storage.Backend = strings.ToLower(opts.Storage)
	}
	if opts.ChatflowID != "" {
		cfg.Widget.ChatflowID = opts.ChatflowID
	}
	if opts.APIHost != "" {
		cfg.Widget.APIHost = strings.TrimRight(opts.APIHost, "/")
	}
	if cfg.UI.Color == "never" {
		ForceColorsEnabled(false)
	} else if cfg.UI.Color == "always" && !opts.NoColor {
		ForceColorsEnabled(true)
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewCommandError("config", "validate", "invalid configuration", err)
	}
	config.SetGlobal(cfg)
	return cfg, nil
}

// setupLogging initializes zerolog from cfg. The returned closer releases
// the log file, if any.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.Logging.File == "" {
		logging.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format, f)
	return f, nil
}

// requireChatflow fails when no chatflow is configured.
func requireChatflow(cfg *config.Config) error {
	if cfg.Widget.ChatflowID == "" {
		return NewValidationErrorWithExample("chatflow", "", "no chatflow configured",
			"chatwidget chat --chatflow 3f6c1e2a-...")
	}
	return nil
}
