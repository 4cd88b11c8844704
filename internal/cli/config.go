// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - The "ragchat config" command.
//
// Command: config [subcommand]
// Short:   Show or change configuration
//
// Subcommands:
//   show (default)     Print the effective configuration (API key redacted)
//   path               Print the config file path
//   init [--force]     Write a default config file
//   keys               List every settable key
//   get KEY            Print one value
//   set KEY VALUE      Change one value in the config file
//
// Examples:
//   ragchat config set server.base_url https://docs.example.com
//   ragchat config set conversation.suggestions "What is covered?,Who wrote it?"
//   ragchat config get conversation.history_limit
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/ragchat/internal/config"
)

// HandleConfig runs the config command.
func HandleConfig(args Args) error {
	return runConfig(args, os.Stdout)
}

func runConfig(args Args, out io.Writer) error {
	path := args.ConfigPath
	if path == "" {
		path = defaultConfigPath()
	}

	switch args.Subcommand {
	case "path":
		if args.JSON {
			return NewJSONResponse("config path", map[string]string{"path": path}).Write(out)
		}
		fmt.Fprintln(out, path)
		return nil

	case "init":
		return configInit(path, args, out)

	case "keys":
		keys := config.GetAllKeys()
		if args.JSON {
			return NewJSONResponse("config keys", keys).Write(out)
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil

	case "get":
		cfg, _, err := loadConfig(args)
		if err != nil {
			return err
		}
		value, err := cfg.Get(args.ConfigKey)
		if err != nil {
			return &UsageError{Msg: err.Error(), Usage: "ragchat config keys"}
		}
		if args.ConfigKey == "server.api_key" && value != "" {
			value = "[REDACTED]"
		}
		if args.JSON {
			return NewJSONResponse("config get", map[string]any{"key": args.ConfigKey, "value": value}).Write(out)
		}
		fmt.Fprintln(out, formatValue(value))
		return nil

	case "set":
		return configSet(path, args, out)

	default: // show
		cfg, _, err := loadConfig(args)
		if err != nil {
			return err
		}
		if args.JSON {
			safe := cfg.Clone()
			if safe.Server.APIKey != "" {
				safe.Server.APIKey = "[REDACTED]"
			}
			return NewJSONResponse("config show", safe).Write(out)
		}
		fmt.Fprintf(out, "%s %s\n", RenderLabel("File:", 6), path)
		fmt.Fprintln(out, cfg.String())
		return nil
	}
}

// configInit writes the defaults to path unless a file exists there.
func configInit(path string, args Args, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !args.Force {
		return &UsageError{
			Msg:   fmt.Sprintf("config file already exists: %s", path),
			Usage: "ragchat config init --force",
		}
	}
	if err := save(config.Default(), path); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if args.JSON {
		return NewJSONResponse("config init", map[string]string{"path": path}).Write(out)
	}
	fmt.Fprintf(out, "%s %s\n", RenderConditional(SuccessStyle, "Wrote"), path)
	return nil
}

// configSet changes one key in the file at path. Environment overrides
// are not written back.
func configSet(path string, args Args, out io.Writer) error {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		cfg, err = readConfigFile(path)
		if err != nil {
			return &ConfigError{Path: path, Err: err}
		}
	}

	if err := cfg.Set(args.ConfigKey, args.ConfigValue); err != nil {
		return &UsageError{Msg: err.Error(), Usage: "ragchat config set KEY VALUE"}
	}
	// Validate what a later load would see.
	check := cfg.Clone()
	if err := config.FillDefaults(check); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := check.Validate(); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := save(cfg, path); err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	value, _ := cfg.Get(args.ConfigKey)
	if args.ConfigKey == "server.api_key" {
		value = "[REDACTED]"
	}
	if args.JSON {
		return NewJSONResponse("config set", map[string]any{"key": args.ConfigKey, "value": value, "path": path}).Write(out)
	}
	fmt.Fprintf(out, "%s %s = %s\n", RenderConditional(SuccessStyle, "Set"), args.ConfigKey, formatValue(value))
	return nil
}

// readConfigFile decodes path without environment overrides so that set
// only changes what the user asked for.
func readConfigFile(path string) (*config.Config, error) {
	cfg := config.Default()
	var err error
	if strings.HasSuffix(path, ".json") {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func save(cfg *config.Config, path string) error {
	if path == "" {
		return errors.New("no config path")
	}
	if strings.HasSuffix(path, ".json") {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ", ")
	case string:
		if val == "" {
			return `""`
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}
