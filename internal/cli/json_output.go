// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - JSON output for scripting.
//
// With --json every command prints exactly one JSONResponse to stdout and
// human-readable progress goes to stderr.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/telemetry"
)

// JSONResponse is the response envelope for all commands.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data interface{} `json:"data"`

	// Error contains the error details if Success is false, null otherwise
	Error map[string]any `json:"error"`

	// Timestamp is the RFC 3339 time the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a new successful JSON response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a new error JSON response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	return &JSONResponse{
		Success:   false,
		Error:     errorJSON(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// WithError marks the response as failed while keeping its data.
func (r *JSONResponse) WithError(err error) *JSONResponse {
	if err != nil {
		r.Success = false
		r.Error = errorJSON(err)
	}
	return r
}

// Write encodes the response as indented JSON.
func (r *JSONResponse) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// Print outputs the JSON response to stdout.
func (r *JSONResponse) Print() error {
	return r.Write(os.Stdout)
}

// String returns the JSON response as a string.
func (r *JSONResponse) String() string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":{"error":"failed to marshal response: %s"},"timestamp":"%s"}`,
			err.Error(), time.Now().UTC().Format(time.RFC3339))
	}
	return string(data)
}

// =============================================================================
// COMMAND-SPECIFIC DATA STRUCTURES
// =============================================================================

// AskData is the data returned by `ask --json`.
type AskData struct {
	MessageID      string         `json:"message_id"`
	State          string         `json:"state"`
	Text           string         `json:"text"`
	Notice         string         `json:"notice,omitempty"`
	Sources        []model.Source `json:"sources"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Tier           string         `json:"tier,omitempty"`
	FollowUps      []string       `json:"follow_ups"`
	ConversationID string         `json:"conversation_id"`
	TTFTMs         int64          `json:"ttft_ms"`
	DurationMs     int64          `json:"duration_ms"`
}

// StatsData is the data returned by `stats --json`.
type StatsData struct {
	Path    string                 `json:"path"`
	Summary *telemetry.Summary     `json:"summary"`
	Daily   []telemetry.DailyCount `json:"daily"`
	Recent  []telemetry.Turn       `json:"recent"`
	Pruned  int64                  `json:"pruned,omitempty"`
}

// DoctorCheck is one health check in `doctor --json`.
type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// DoctorSummary summarizes `doctor --json`.
type DoctorSummary struct {
	Passed  int  `json:"passed"`
	Warned  int  `json:"warned"`
	Failed  int  `json:"failed"`
	Healthy bool `json:"healthy"`
}

// DoctorData is the data returned by `doctor --json`.
type DoctorData struct {
	Checks  []DoctorCheck `json:"checks"`
	Summary DoctorSummary `json:"summary"`
}

// VersionData is the data returned by `version --json`.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}
