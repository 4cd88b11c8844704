// ragchat - A terminal client for a document question-answering service.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"github.com/jeranaias/ragchat/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args, err := cli.Parse()
	if err != nil {
		cli.HandleErrorAndExit(err, args.JSON)
	}

	switch cmd {
	case cli.CmdChat:
		err = cli.HandleChat(args)
	case cli.CmdAsk:
		err = cli.HandleAsk(args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	case cli.CmdStats:
		err = cli.HandleStats(args)
	case cli.CmdDoctor:
		err = cli.HandleDoctor(args)
	case cli.CmdVersion:
		err = cli.HandleVersion(args)
	default:
		cli.PrintUsage()
	}

	cli.HandleErrorAndExit(err, args.JSON)
}
