// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - The "ragchat doctor" and "ragchat version" commands.
//
// Command: doctor
// Short:   Check configuration and service health
//
// Health Checks Performed:
//   1. Config Valid       - Config file parses and validates
//   2. Config File        - File exists and the API key is not world-readable
//   3. Service Reachable  - GET server.health_path answers 2xx
//   4. Statistics Store   - Telemetry database opens (when enabled)
//   5. Export Directory   - export.dir is writable
//
// Flags:
//   --json              Output in JSON format
//
// Exit Codes:
//   0   All checks passed (warnings allowed)
//   1   One or more checks failed
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/logging"
)

// healthTimeout bounds the service probe.
const healthTimeout = 5 * time.Second

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	// CheckPass indicates the check passed successfully.
	CheckPass CheckStatus = iota
	// CheckWarn indicates the check passed with warnings.
	CheckWarn
	// CheckFail indicates the check failed.
	CheckFail
)

// String returns the lower-case name used in JSON output.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns the colored status marker.
func (s CheckStatus) Symbol() string {
	return RenderStatus(s.String())
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // Suggested fix command or instruction
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s", c.Status.Symbol(), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + RenderConditional(DimStyle, "       -> "+c.Fix)
	}
	return result
}

// =============================================================================
// DOCTOR COMMAND
// =============================================================================

// HandleDoctor runs the doctor command.
func HandleDoctor(args Args) error {
	return runDoctor(context.Background(), args, os.Stdout)
}

func runDoctor(ctx context.Context, args Args, out io.Writer) error {
	checks := runAllChecks(ctx, args)

	var passed, warned, failed int
	for _, check := range checks {
		switch check.Status {
		case CheckPass:
			passed++
		case CheckWarn:
			warned++
		case CheckFail:
			failed++
		}
	}

	var failure error
	if failed > 0 {
		failure = fmt.Errorf("%d health check(s) failed", failed)
	}

	if args.JSON {
		jsonChecks := make([]DoctorCheck, 0, len(checks))
		for _, check := range checks {
			jsonChecks = append(jsonChecks, DoctorCheck{
				Name:    check.Name,
				Status:  check.Status.String(),
				Message: check.Message,
				Fix:     check.Fix,
			})
		}
		resp := NewJSONResponse("doctor", DoctorData{
			Checks: jsonChecks,
			Summary: DoctorSummary{
				Passed:  passed,
				Warned:  warned,
				Failed:  failed,
				Healthy: failed == 0,
			},
		}).WithError(failure)
		if err := resp.Write(out); err != nil {
			return err
		}
		return alreadyReported(failure)
	}

	fmt.Fprintln(out, RenderConditional(TitleStyle, "ragchat doctor"))
	fmt.Fprintln(out, RenderSeparator(41))
	for _, check := range checks {
		fmt.Fprintln(out, check.Render())
	}
	fmt.Fprintln(out, RenderSeparator(41))

	parts := []string{fmt.Sprintf("%d passed", passed)}
	if warned > 0 {
		parts = append(parts, RenderConditional(WarningStyle, fmt.Sprintf("%d warning", warned)))
	}
	if failed > 0 {
		parts = append(parts, RenderConditional(ErrorStyle, fmt.Sprintf("%d failed", failed)))
	}
	fmt.Fprintln(out, strings.Join(parts, ", "))

	return failure
}

// =============================================================================
// HEALTH CHECK FUNCTIONS
// =============================================================================

// runAllChecks runs every check in order. When the config is broken the
// remaining checks run against the defaults plus command-line overrides.
func runAllChecks(ctx context.Context, args Args) []*HealthCheck {
	cfg, path, err := loadConfig(args)
	configCheck := checkConfigValid(path, err)
	if cfg == nil {
		cfg = config.Default()
		applyFlags(cfg, args)
	}

	return []*HealthCheck{
		configCheck,
		checkConfigFile(path, cfg),
		checkService(ctx, cfg),
		checkStatsStore(ctx, cfg),
		checkExportDir(cfg.Export.Dir),
	}
}

func checkConfigValid(path string, err error) *HealthCheck {
	check := &HealthCheck{Name: "Config Valid"}
	if err != nil {
		check.Status = CheckFail
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Err != nil {
			check.Message = fmt.Sprintf("Config invalid: %v", cfgErr.Err)
		} else {
			check.Message = fmt.Sprintf("Config invalid: %v", err)
		}
		check.Fix = fmt.Sprintf("Edit %s or run: ragchat config init --force", path)
		return check
	}
	check.Status = CheckPass
	check.Message = "Config valid"
	return check
}

// checkConfigFile warns about a missing config file and about an API key
// stored in a file other users can read.
func checkConfigFile(path string, cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Config File"}
	info, err := os.Stat(path)
	if err != nil {
		check.Status = CheckWarn
		check.Message = "No config file, using defaults"
		check.Fix = "Run: ragchat config init"
		return check
	}

	if runtime.GOOS != "windows" && cfg.Server.APIKey != "" && info.Mode().Perm()&0o077 != 0 {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("API key in %s is readable by other users (%04o)", path, info.Mode().Perm())
		check.Fix = "Run: chmod 600 " + path
		return check
	}

	check.Status = CheckPass
	check.Message = "Config file " + path
	return check
}

func checkService(ctx context.Context, cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Service Reachable"}
	target := cfg.Server.BaseURL + cfg.Server.HealthPath

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	err := newClient(cfg, logging.Discard()).Health(ctx)
	elapsed := time.Since(start)

	var apiErr *client.APIError
	switch {
	case err == nil:
		check.Status = CheckPass
		check.Message = fmt.Sprintf("Service reachable at %s (%s)", cfg.Server.BaseURL, formatDuration(elapsed))
	case errors.Is(err, client.ErrAuthFailed):
		check.Status = CheckFail
		check.Message = "Service rejected the API key"
		check.Fix = "Run: ragchat config set server.api_key KEY (or set RAGCHAT_API_KEY)"
	case errors.Is(err, context.DeadlineExceeded):
		check.Status = CheckFail
		check.Message = fmt.Sprintf("No answer from %s within %s", target, healthTimeout)
		check.Fix = "Check server.base_url or pass --url"
	case errors.Is(err, client.ErrUnavailable):
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Cannot reach %s", cfg.Server.BaseURL)
		check.Fix = "Check server.base_url or pass --url"
	case errors.As(err, &apiErr):
		// The service answers but has no health route at this path.
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("%s returned %d", target, apiErr.Status)
		check.Fix = "Run: ragchat config set server.health_path PATH"
	default:
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Health check failed: %v", err)
	}
	return check
}

func checkStatsStore(ctx context.Context, cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Statistics Store"}
	if !cfg.Telemetry.Enabled {
		check.Status = CheckPass
		check.Message = "Statistics disabled"
		return check
	}

	store, err := openStats(cfg)
	if err != nil {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("Cannot open statistics: %v", err)
		check.Fix = "Set telemetry.path to a writable location"
		return check
	}
	defer store.Close()

	summary, err := store.Summary(ctx)
	if err != nil {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("Statistics unreadable: %v", err)
		check.Fix = "Remove " + store.Path() + " to start over"
		return check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("Statistics store %s (%d answers)", store.Path(), summary.Turns)
	return check
}

// checkExportDir verifies /export can write to dir. A missing directory
// is fine as long as its parent is writable.
func checkExportDir(dir string) *HealthCheck {
	check := &HealthCheck{Name: "Export Directory"}
	if dir == "" {
		dir = "."
	}

	probe := dir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	f, err := os.CreateTemp(probe, ".ragchat-doctor-*")
	if err != nil {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("Export directory %s not writable", dir)
		check.Fix = "Run: ragchat config set export.dir DIR"
		return check
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	check.Status = CheckPass
	check.Message = "Export directory " + dir
	return check
}

// =============================================================================
// VERSION COMMAND
// =============================================================================

// HandleVersion runs the version command.
func HandleVersion(args Args) error {
	return runVersion(args, os.Stdout)
}

func runVersion(args Args, out io.Writer) error {
	if args.JSON {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		}).Write(out)
	}
	fprintVersion(out)
	return nil
}
