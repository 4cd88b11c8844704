// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Shared argument parsing for ragchat subcommands.

package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits raw subcommand arguments into flags and positionals.
// It handles:
//   - Long flags: --flag value or --flag=value
//   - Short flags: -f value
//   - Boolean flags: --flag (no value needed)
//   - Positional arguments: arguments without flags
//
// Flags named in boolNames never consume the following argument, so
// `ask --json "question"` keeps the question positional.
type ArgParser struct {
	subcommand string
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// NewArgParser parses raw. boolNames lists flags that never take a value.
//
// Example:
//
//	p := NewArgParser([]string{"show", "--days", "7", "--json"}, "json")
//	p.Subcommand()     // "show"
//	p.Flag("days")     // "7"
//	p.BoolFlag("json") // true
func NewArgParser(raw []string, boolNames ...string) *ArgParser {
	p := &ArgParser{
		flags:      make(map[string]string),
		boolFlags:  make(map[string]bool),
		positional: make([]string, 0, len(raw)),
		raw:        raw,
	}
	isBool := make(map[string]bool, len(boolNames))
	for _, name := range boolNames {
		isBool[name] = true
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]

		// "--" ends flag parsing
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}

		// A lone "-" or a negative number is a positional value
		if !strings.HasPrefix(arg, "-") || arg == "-" || isNumber(arg) {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if key, value, ok := strings.Cut(name, "="); ok {
			if value == "true" || value == "false" {
				p.boolFlags[key] = value == "true"
			} else {
				p.flags[key] = value
			}
			continue
		}

		if !isBool[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}

	if len(p.positional) > 0 {
		p.subcommand = p.positional[0]
	}
	return p
}

// Subcommand returns the first positional argument, or "".
func (p *ArgParser) Subcommand() string {
	return p.subcommand
}

// Flag returns the value of the first matching flag name, or "".
func (p *ArgParser) Flag(names ...string) string {
	for _, name := range names {
		if v, ok := p.flags[name]; ok {
			return v
		}
	}
	return ""
}

// FlagInt parses a flag as a non-negative integer. ok is false when the
// flag is absent.
func (p *ArgParser) FlagInt(names ...string) (n int, ok bool, err error) {
	for _, name := range names {
		v, present := p.flags[name]
		if !present {
			continue
		}
		n, err := ParseIntWithValidation(v, "--"+name)
		return n, true, err
	}
	return 0, false, nil
}

// BoolFlag reports whether any of the named boolean flags is set.
func (p *ArgParser) BoolFlag(names ...string) bool {
	for _, name := range names {
		if p.boolFlags[name] {
			return true
		}
	}
	return false
}

// HasFlag reports whether the flag was given in any form.
func (p *ArgParser) HasFlag(name string) bool {
	_, isFlag := p.flags[name]
	_, isBool := p.boolFlags[name]
	return isFlag || isBool
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalFrom returns positionals starting at index.
func (p *ArgParser) PositionalFrom(index int) []string {
	if index < 0 || index >= len(p.positional) {
		return nil
	}
	return p.positional[index:]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// Raw returns the arguments as given.
func (p *ArgParser) Raw() []string {
	return p.raw
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

// ParseIntWithValidation parses a non-negative integer for fieldName.
func ParseIntWithValidation(s string, fieldName string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &UsageError{Msg: fmt.Sprintf("%s must be a number, got %q", fieldName, s)}
	}
	if n < 0 {
		return 0, &UsageError{Msg: fmt.Sprintf("%s must not be negative, got %d", fieldName, n)}
	}
	return n, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
