// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types and exit codes for ragchat commands.
//
// Handlers always return errors and never print-and-return-nil; main
// decides how to display them via HandleErrorAndExit.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/config"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error, including a failed answer
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates the service rejected our credentials
	ExitAuthError = 4
	// ExitNetworkError indicates the service could not be reached
	ExitNetworkError = 5
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
	// ExitInterrupted indicates the user stopped the answer
	ExitInterrupted = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports invalid command-line usage.
type UsageError struct {
	Msg   string
	Usage string // Example of correct usage (optional)
}

func (e *UsageError) Error() string {
	if e.Usage != "" {
		return fmt.Sprintf("%s\nUsage: %s", e.Msg, e.Usage)
	}
	return e.Msg
}

// ConfigError wraps a failure to load or save configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AnswerError reports an answer that did not complete.
type AnswerError struct {
	State  string // failed or cancelled
	Notice string
	Err    error
}

func (e *AnswerError) Error() string {
	if e.Notice != "" {
		return fmt.Sprintf("answer %s: %s", e.State, e.Notice)
	}
	return "answer " + e.State
}

func (e *AnswerError) Unwrap() error {
	return e.Err
}

// reportedError marks an error whose details were already printed; only
// its exit code still matters.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }

// alreadyReported wraps err so HandleErrorAndExit does not print it again.
func alreadyReported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

// ErrMissingArgument creates a usage error for a missing argument.
func ErrMissingArgument(argName, usage string) error {
	return &UsageError{Msg: "missing required argument: " + argName, Usage: usage}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w in a consistent format. In JSON mode it
// writes an error response instead.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse("", err).Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", RenderConditional(ErrorStyle, "[ERROR]"), err.Error())
}

// HandleErrorAndExit displays err and exits with the code from GetExitCode.
// JSON errors go to stdout so scripts can parse them.
func HandleErrorAndExit(err error, jsonMode bool) {
	if err == nil {
		return
	}
	var (
		usage    *UsageError
		reported *reportedError
	)
	switch {
	case errors.As(err, &reported):
	case jsonMode:
		DisplayError(os.Stdout, err, true)
	case errors.As(err, &usage):
		DisplayError(os.Stderr, err, false)
		fmt.Fprintln(os.Stderr, RenderConditional(DimStyle, "Run 'ragchat help' for usage."))
	default:
		DisplayError(os.Stderr, err, false)
	}
	os.Exit(GetExitCode(err))
}

// GetExitCode maps an error to a process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		usage   *UsageError
		cfgErr  *ConfigError
		invalid config.ValidateErrors
		answer  *AnswerError
	)
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &cfgErr), errors.As(err, &invalid):
		return ExitConfigError
	case errors.Is(err, client.ErrAuthFailed):
		return ExitAuthError
	case errors.Is(err, client.ErrUnavailable), errors.Is(err, client.ErrRateLimited):
		return ExitNetworkError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	case errors.As(err, &answer) && answer.State == "cancelled":
		return ExitInterrupted
	}
	return ExitGeneralError
}

// errorJSON is the structured form of an error in JSON mode.
func errorJSON(err error) map[string]any {
	out := map[string]any{"error": err.Error()}

	var (
		usage  *UsageError
		cfgErr *ConfigError
		answer *AnswerError
		api    *client.APIError
	)
	switch {
	case errors.As(err, &usage):
		out["error_type"] = "usage_error"
	case errors.As(err, &cfgErr):
		out["error_type"] = "config_error"
		if cfgErr.Path != "" {
			out["path"] = cfgErr.Path
		}
	case errors.As(err, &answer):
		out["error_type"] = "answer_error"
		out["state"] = answer.State
		out["notice"] = answer.Notice
	default:
		out["error_type"] = "generic_error"
	}
	if errors.As(err, &api) {
		out["status"] = api.Status
	}
	return out
}
