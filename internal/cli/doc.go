// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for ragchat.
//
// # Key Types
//
//   - Command: Enumeration of the available commands
//   - Args: Parsed global and command-specific flags
//   - App: Config, logger, service client, conversation manager and
//     statistics store wired together for one run
//   - Renderer: Terminal rendering of answers, sources and follow-ups
//   - JSONResponse: Envelope for --json output
//
// # Usage
//
//	cmd, args, err := cli.Parse()
//	if err != nil {
//	    cli.HandleErrorAndExit(err, args.JSON)
//	}
//	switch cmd {
//	case cli.CmdAsk:
//	    err = cli.HandleAsk(args)
//	case cli.CmdChat:
//	    err = cli.HandleChat(args)
//	// ... other commands
//	}
//
// # Commands Overview
//
//   - chat: Interactive conversation (default)
//   - ask: Single question, streamed to stdout
//   - config: Show, initialize and edit the config file
//   - stats: Answer statistics from the local telemetry store
//   - doctor: Configuration and service health checks
//   - version: Build information
//
// # Output
//
// Answers go to stdout. Diagnostics and warnings go to stderr. With --json
// every command prints exactly one JSONResponse to stdout.
//
// # Exit Codes
//
// See GetExitCode: 0 success, 1 general failure, 2 usage, 3 config,
// 4 authentication, 5 network, 8 timeout, 130 interrupted.
package cli
