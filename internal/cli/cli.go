// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line parsing for ragchat.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdConfig
	CmdStats
	CmdDoctor
	CmdVersion
	CmdHelp
)

// String returns the command name as typed on the command line.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdAsk:
		return "ask"
	case CmdConfig:
		return "config"
	case CmdStats:
		return "stats"
	case CmdDoctor:
		return "doctor"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Default limits for `ragchat stats`.
const (
	DefaultStatsDays   = 7
	DefaultStatsRecent = 10
)

// Args holds parsed command-line arguments.
type Args struct {
	// Global flags
	ConfigPath string // --config PATH
	URL        string // --url URL, overrides server.base_url
	NoStream   bool   // --no-stream, use the non-streaming endpoint
	NoColor    bool   // --no-color
	Verbose    bool   // -v, --verbose (debug logging)
	Quiet      bool   // -q, --quiet
	JSON       bool   // --json

	// ask
	Query string

	// config
	Subcommand  string
	ConfigKey   string
	ConfigValue string
	Force       bool

	// stats
	Days      int
	Recent    int
	PruneDays int // delete statistics older than this many days

	// Raw holds the arguments after the command word.
	Raw []string
}

var usageText = `ragchat - terminal client for a document question-answering service

Usage:
  ragchat [flags] [command] [args]

Commands:
  chat                   Interactive conversation (default)
  ask "question"         Ask one question and print the answer
  config [subcommand]    Show or change configuration
                           show | path | init [--force] | get KEY | set KEY VALUE
  stats                  Show recorded answer statistics
                           --days N     Daily breakdown window (default 7)
                           --recent N   Number of recent answers (default 10)
                           --prune N    Delete statistics older than N days
  doctor                 Check configuration and service health
  version                Show version information
  help                   Show this help

Global Flags:
  --config PATH          Use a specific config file
  --url URL              Override the service base URL
  --no-stream            Use the non-streaming endpoint
  --no-color             Disable colored output
  --json                 Machine-readable output (ask, config, stats, doctor, version)
  -v, --verbose          Debug logging to stderr
  -q, --quiet            Minimal output

Chat Commands:
  /new                   Start a new conversation
  /sources               Sources of the last answer
  /followups             Suggested follow-up questions
  /history               Messages so far
  /export [md|json]      Write the conversation to a file
  /help                  Show chat commands
  /quit                  Exit
  1-9                    Ask the numbered follow-up
  Ctrl+C                 Stop the current answer

Examples:
  ragchat
  ragchat ask "What does the travel policy say about per diem?"
  ragchat ask --json "Summarize section 4" | jq .text
  ragchat --url https://docs.example.com chat
  ragchat config set conversation.history_limit 6
  ragchat stats --days 30

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fprintUsage(os.Stdout)
}

func fprintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

func fprintVersion(w io.Writer) {
	fmt.Fprintf(w, "ragchat version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses os.Args.
func Parse() (Command, Args, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses command-line arguments (without the program name) and
// returns the command to run. Global flags may appear anywhere.
func ParseArgs(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}
	args.Days = DefaultStatsDays
	args.Recent = DefaultStatsRecent

	if len(remaining) == 0 {
		return CmdChat, args, nil
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	args.Raw = remaining

	switch cmd {
	case "chat":
		return CmdChat, args, nil

	case "ask", "a":
		args.Query = strings.TrimSpace(strings.Join(NewArgParser(remaining).PositionalFrom(0), " "))
		return CmdAsk, args, nil

	case "config":
		err := parseConfigArgs(&args, remaining)
		return CmdConfig, args, err

	case "stats":
		err := parseStatsArgs(&args, remaining)
		return CmdStats, args, err

	case "doctor":
		return CmdDoctor, args, nil

	case "version":
		return CmdVersion, args, nil

	case "help":
		return CmdHelp, args, nil

	default:
		return CmdHelp, args, &UsageError{Msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// parseGlobalFlags extracts global flags from argv and returns the rest.
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var (
		remaining []string
		args      Args
	)

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		if arg == "--" {
			remaining = append(remaining, argv[i:]...)
			break
		}

		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--url":
			if !hasValue {
				if i+1 >= len(argv) {
					return nil, args, &UsageError{Msg: name + " requires a value"}
				}
				i++
				value = argv[i]
			}
			if name == "--config" {
				args.ConfigPath = value
			} else {
				args.URL = value
			}
		case "--no-stream":
			args.NoStream = true
		case "--no-color":
			args.NoColor = true
		case "-q", "--quiet":
			args.Quiet = true
		case "-v", "--verbose":
			args.Verbose = true
		case "--json":
			args.JSON = true
		case "-h", "--help":
			return []string{"help"}, args, nil
		case "--version":
			return []string{"version"}, args, nil
		default:
			remaining = append(remaining, arg)
		}
	}

	return remaining, args, nil
}

// parseConfigArgs parses `config [show|path|init|get|set]`.
func parseConfigArgs(args *Args, remaining []string) error {
	p := NewArgParser(remaining, "force")
	args.Subcommand = strings.ToLower(p.Subcommand())
	if args.Subcommand == "" {
		args.Subcommand = "show"
	}
	args.Force = p.BoolFlag("force", "f")
	args.ConfigKey = p.Positional(1)
	args.ConfigValue = strings.Join(p.PositionalFrom(2), " ")

	switch args.Subcommand {
	case "show", "path", "init", "keys":
	case "get":
		if args.ConfigKey == "" {
			return ErrMissingArgument("KEY", "ragchat config get KEY")
		}
	case "set":
		if args.ConfigKey == "" || p.PositionalCount() < 3 {
			return ErrMissingArgument("KEY VALUE", "ragchat config set KEY VALUE")
		}
	default:
		return &UsageError{Msg: fmt.Sprintf("unknown config subcommand %q", args.Subcommand)}
	}
	return nil
}

// parseStatsArgs parses `stats [--days N] [--recent N] [--prune N]`.
func parseStatsArgs(args *Args, remaining []string) error {
	p := NewArgParser(remaining)
	if n, ok, err := p.FlagInt("days", "d"); err != nil {
		return err
	} else if ok {
		args.Days = n
	}
	if n, ok, err := p.FlagInt("recent", "n"); err != nil {
		return err
	} else if ok {
		args.Recent = n
	}
	if n, ok, err := p.FlagInt("prune"); err != nil {
		return err
	} else if ok {
		if n <= 0 {
			return &UsageError{Msg: "--prune needs at least 1 day", Usage: "ragchat stats --prune 90"}
		}
		args.PruneDays = n
	}
	return nil
}
