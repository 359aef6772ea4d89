// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration commands.
//
// Command: config [show|path|init|get|set]
//
// Examples:
//   chatwidget config show                     Print the effective config
//   chatwidget config init                     Write a default config file
//   chatwidget config get polling.interval
//   chatwidget config set ui.sound false

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/config"
)

func newConfigCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit the configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if opts.JSON {
				return NewJSONResponse("config show", json.RawMessage(cfg.String())).Print()
			}
			fmt.Println(cfg.String())
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configFilePath(opts)
			if err != nil {
				return err
			}
			return OutputJSON(opts.JSON, "config path", func() (any, error) {
				if !opts.JSON {
					fmt.Println(p)
				}
				return map[string]string{"path": p}, nil
			})
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configFilePath(opts)
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return NewCommandError("config", "init", p+" already exists (use --force)", nil)
			}
			cfg := config.Default()
			cfg.SetDefaults()
			if err := saveConfigFile(cfg, p); err != nil {
				return NewCommandError("config", "init", p, err)
			}
			return OutputJSON(opts.JSON, "config init", func() (any, error) {
				if !opts.JSON {
					fmt.Println(SuccessStyle.Render("Wrote " + p))
				}
				return map[string]string{"path": p}, nil
			})
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one setting (dot notation, e.g. polling.interval)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return NewValidationError("key", args[0], err.Error())
			}
			return OutputJSON(opts.JSON, "config get", func() (any, error) {
				if !opts.JSON {
					fmt.Println(formatConfigValue(v))
				}
				return map[string]any{"key": args[0], "value": v}, nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configFilePath(opts)
			if err != nil {
				return err
			}
			cfg, err := loadConfigFile(p)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return NewValidationError("key", args[0], err.Error())
			}
			if err := cfg.Validate(); err != nil {
				return NewCommandError("config", "set", args[0], err)
			}
			if err := saveConfigFile(cfg, p); err != nil {
				return NewCommandError("config", "set", p, err)
			}
			return OutputJSON(opts.JSON, "config set", func() (any, error) {
				if !opts.JSON {
					fmt.Println(SuccessStyle.Render(args[0] + " = " + args[1]))
				}
				return map[string]string{"key": args[0], "value": args[1]}, nil
			})
		},
	}

	cmd.AddCommand(show, path, initCmd, get, set)
	return cmd
}

// configFilePath is --config, else the default TOML location.
func configFilePath(opts *GlobalOptions) (string, error) {
	if opts.ConfigPath != "" {
		return filepath.Abs(opts.ConfigPath)
	}
	p, err := config.ConfigPathTOML()
	if err != nil {
		return "", NewCommandError("config", "path", "cannot locate home directory", err)
	}
	return p, nil
}

// loadConfigFile reads path without flag or environment overrides. A
// missing file yields the defaults.
func loadConfigFile(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.SetDefaults()
		return cfg, nil
	}
	cfg := config.Default()
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, NewCommandError("config", "load", path, err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

func saveConfigFile(cfg *config.Config, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}

func formatConfigValue(v any) string {
	switch x := v.(type) {
	case []string:
		return strings.Join(x, ", ")
	case map[string]any, map[string]config.FlowConfig:
		data, _ := json.MarshalIndent(x, "", "  ")
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}
