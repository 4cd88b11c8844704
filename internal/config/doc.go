// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for ragchat.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, validation and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: Answering service endpoint, credentials and limits
//   - ConversationConfig: History size, streaming and idle timeout
//   - LoggingConfig, TelemetryConfig, UIConfig, ExportConfig
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RAGCHAT_*)
//   - ~/.ragchat/config.toml
//   - ~/.ragchat/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Follow edits while running:
//
//	go config.Watch(ctx, path, 0, func(cfg *config.Config, err error) {
//	    if err == nil {
//	        manager.UpdateConfig(...)
//	    }
//	})
package config
