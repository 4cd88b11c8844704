// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring shared by the ask and chat commands.

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/telemetry"
)

// shutdownWait bounds how long Close waits for a cancelled answer to settle.
const shutdownWait = 2 * time.Second

// App holds everything a conversation command needs.
type App struct {
	Config     *config.Config
	ConfigPath string // file the config was read from, or where it would be
	Logger     *slog.Logger
	Client     *client.Client
	Manager    *conversation.Manager
	Stats      *telemetry.Store // nil unless telemetry is enabled

	logCloser io.Closer
}

// NewApp loads configuration, applies command-line overrides and wires the
// logger, client, statistics store and conversation manager.
func NewApp(args Args) (*App, error) {
	cfg, path, err := loadConfig(args)
	if err != nil {
		return nil, err
	}
	ConfigureColors(cfg.UI.Color, args.NoColor)

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	app, err := newAppWithLogger(cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	app.ConfigPath = path
	app.logCloser = closer
	return app, nil
}

// newAppWithLogger wires an App from an already validated config.
func newAppWithLogger(cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Client: newClient(cfg, logger),
	}

	opts := []conversation.Option{
		conversation.WithConfig(conversationConfig(cfg.Conversation)),
		conversation.WithLogger(logger),
	}
	if cfg.Telemetry.Enabled {
		store, err := openStats(cfg)
		if err != nil {
			// Statistics are optional; answering still works without them.
			logger.Warn("telemetry disabled", "error", err)
		} else {
			app.Stats = store
			opts = append(opts, conversation.WithRecorder(store))
		}
	}

	app.Manager = conversation.NewManager(app.Client, opts...)
	return app, nil
}

// Close stops any running answer and releases resources.
func (a *App) Close() error {
	if a.Manager != nil {
		if sess := a.Manager.Active(); sess != nil {
			sess.Cancel()
			select {
			case <-sess.Done():
			case <-time.After(shutdownWait):
			}
		}
	}
	var firstErr error
	if a.Stats != nil {
		if err := a.Stats.Close(); err != nil {
			firstErr = err
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =============================================================================
// CONFIG LOADING
// =============================================================================

// loadConfig reads the config named by --config, or the default locations,
// then applies --url, --no-stream and --verbose.
func loadConfig(args Args) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)

	if args.ConfigPath != "" {
		path = args.ConfigPath
		cfg, err = config.LoadFromPath(path)
		if err != nil {
			return nil, path, &ConfigError{Path: path, Err: err}
		}
	} else {
		path = defaultConfigPath()
		cfg, err = config.Load()
		if cfg == nil {
			return nil, path, &ConfigError{Path: path, Err: err}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v (using defaults)\n", RenderConditional(WarningStyle, "[WARN]"), err)
		}
	}

	applyFlags(cfg, args)
	if err := cfg.Validate(); err != nil {
		return nil, path, &ConfigError{Path: path, Err: err}
	}
	config.SetGlobal(cfg)
	return cfg, path, nil
}

// applyFlags copies command-line overrides into cfg.
func applyFlags(cfg *config.Config, args Args) {
	if args.URL != "" {
		cfg.Server.BaseURL = args.URL
	}
	if args.NoStream {
		cfg.Conversation.Streaming = false
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}
}

// defaultConfigPath returns the config file in use: the TOML file, the JSON
// file if only that exists, or the TOML path when neither does.
func defaultConfigPath() string {
	tomlPath, err := config.ConfigPathTOML()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	if jsonPath, err := config.ConfigPathJSON(); err == nil {
		if _, err := os.Stat(jsonPath); err == nil {
			return jsonPath
		}
	}
	return tomlPath
}

// =============================================================================
// COMPONENT CONSTRUCTION
// =============================================================================

// newClient builds the service client from the [server] section.
func newClient(cfg *config.Config, logger *slog.Logger) *client.Client {
	return client.NewClient(cfg.Server.BaseURL).
		WithStreamPath(cfg.Server.StreamPath).
		WithAskPath(cfg.Server.AskPath).
		WithHealthPath(cfg.Server.HealthPath).
		WithAPIKey(cfg.Server.APIKey).
		WithTimeout(cfg.Server.Timeout()).
		WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst).
		WithUserAgent("ragchat/" + Version).
		WithLogger(logger)
}

// conversationConfig maps the [conversation] section onto the manager.
func conversationConfig(c config.ConversationConfig) conversation.Config {
	return conversation.Config{
		HistoryLimit:       c.HistoryLimit,
		Streaming:          c.Streaming,
		IdleTimeout:        c.IdleTimeout(),
		DefaultSuggestions: c.Suggestions,
	}
}

// statsPath returns the telemetry database path.
func statsPath(cfg *config.Config) (string, error) {
	if cfg.Telemetry.Path != "" {
		return cfg.Telemetry.Path, nil
	}
	return config.DefaultTelemetryPath()
}

func openStats(cfg *config.Config) (*telemetry.Store, error) {
	path, err := statsPath(cfg)
	if err != nil {
		return nil, err
	}
	return telemetry.Open(path)
}
