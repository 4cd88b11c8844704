// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/ragchat/internal/stream"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("telemetry store is closed")

// recordTimeout bounds a single RecordTurn write so a locked database
// never stalls the answer that just finished.
const recordTimeout = 2 * time.Second

// =============================================================================
// TYPES
// =============================================================================

// Turn is one recorded answer.
type Turn struct {
	ID            int64         `json:"id"`
	Conversation  string        `json:"conversation"`
	MessageID     string        `json:"message_id"`
	State         string        `json:"state"`
	StartedAt     time.Time     `json:"started_at"`
	TTFT          time.Duration `json:"ttft"`
	Duration      time.Duration `json:"duration"`
	ContentFrames int           `json:"content_frames"`
	Anomalies     int           `json:"anomalies"`
	SourceCount   int           `json:"source_count"`
	Confidence    float64       `json:"confidence"`
	Tier          string        `json:"tier"`
	Error         string        `json:"error,omitempty"`
}

// Summary aggregates all recorded turns.
type Summary struct {
	Turns          int            `json:"turns"`
	Conversations  int            `json:"conversations"`
	ByState        map[string]int `json:"by_state"`
	ByTier         map[string]int `json:"by_tier"`
	MeanConfidence float64        `json:"mean_confidence"` // completed turns only
	MeanTTFT       time.Duration  `json:"mean_ttft"`
	MeanDuration   time.Duration  `json:"mean_duration"`
	Anomalies      int            `json:"anomalies"`
	First          time.Time      `json:"first,omitempty"`
	Last           time.Time      `json:"last,omitempty"`
}

// DailyCount is the number of turns started on one calendar day.
type DailyCount struct {
	Date      time.Time `json:"date"`
	Turns     int       `json:"turns"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
}

// TurnFromResult converts a finished session into a row.
func TurnFromResult(conversation string, r stream.Result) Turn {
	t := Turn{
		Conversation:  conversation,
		MessageID:     r.MessageID,
		State:         r.State.String(),
		StartedAt:     r.Stats.StartTime,
		TTFT:          r.Stats.TTFT,
		Duration:      r.Stats.TotalDuration,
		ContentFrames: r.Stats.ContentFrames,
		Anomalies:     r.Anomalies,
		SourceCount:   len(r.Sources),
		Confidence:    r.Confidence,
		Tier:          r.Tier.String(),
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if r.Err != nil {
		t.Error = r.Err.Error()
	}
	return t
}

// =============================================================================
// STORE
// =============================================================================

// Store persists turn statistics in SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("telemetry path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=2000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "telemetry"),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion))
	return err
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// =============================================================================
// RECORDING
// =============================================================================

// Record inserts one turn and returns its row ID.
func (s *Store) Record(ctx context.Context, t Turn) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation, message_id, state, started_at, ttft_ms, duration_ms,
			content_frames, anomalies, source_count, confidence, tier, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Conversation, t.MessageID, t.State, t.StartedAt.UnixMilli(),
		t.TTFT.Milliseconds(), t.Duration.Milliseconds(),
		t.ContentFrames, t.Anomalies, t.SourceCount, t.Confidence, t.Tier, t.Error)
	if err != nil {
		return 0, fmt.Errorf("failed to record turn: %w", err)
	}
	return res.LastInsertId()
}

// RecordTurn records a finished answer. Failures are logged, never
// returned, so statistics can never break a conversation.
func (s *Store) RecordTurn(conversation string, r stream.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := s.Record(ctx, TurnFromResult(conversation, r)); err != nil {
		s.logger.Warn("could not record turn", "message_id", r.MessageID, "error", err)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Recent returns up to n turns, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Turn, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return []Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation, message_id, state, started_at, ttft_ms, duration_ms,
			content_frames, anomalies, source_count, confidence, tier, error
		FROM turns ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, n)
	for rows.Next() {
		var t Turn
		var started, ttft, dur int64
		if err := rows.Scan(&t.ID, &t.Conversation, &t.MessageID, &t.State, &started, &ttft, &dur,
			&t.ContentFrames, &t.Anomalies, &t.SourceCount, &t.Confidence, &t.Tier, &t.Error); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.StartedAt = time.UnixMilli(started)
		t.TTFT = time.Duration(ttft) * time.Millisecond
		t.Duration = time.Duration(dur) * time.Millisecond
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Summary aggregates every recorded turn.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	sum := &Summary{
		ByState: make(map[string]int),
		ByTier:  make(map[string]int),
	}

	var first, last sql.NullInt64
	var meanTTFT, meanDur sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT conversation), COALESCE(SUM(anomalies), 0),
			MIN(started_at), MAX(started_at),
			AVG(CASE WHEN ttft_ms > 0 THEN ttft_ms END), AVG(duration_ms)
		FROM turns`).Scan(&sum.Turns, &sum.Conversations, &sum.Anomalies, &first, &last, &meanTTFT, &meanDur)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize turns: %w", err)
	}
	if sum.Turns == 0 {
		return sum, nil
	}
	if first.Valid {
		sum.First = time.UnixMilli(first.Int64)
	}
	if last.Valid {
		sum.Last = time.UnixMilli(last.Int64)
	}
	if meanTTFT.Valid {
		sum.MeanTTFT = time.Duration(meanTTFT.Float64) * time.Millisecond
	}
	if meanDur.Valid {
		sum.MeanDuration = time.Duration(meanDur.Float64) * time.Millisecond
	}

	var meanConf sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(confidence) FROM turns WHERE state = ?", stream.StateCompleted.String(),
	).Scan(&meanConf); err != nil {
		return nil, fmt.Errorf("failed to average confidence: %w", err)
	}
	sum.MeanConfidence = meanConf.Float64

	if err := s.countBy(ctx, "state", sum.ByState); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "tier", sum.ByTier); err != nil {
		return nil, err
	}
	return sum, nil
}

// countBy fills dst with row counts grouped by a fixed column name.
func (s *Store) countBy(ctx context.Context, column string, dst map[string]int) error {
	var query string
	switch column {
	case "state":
		query = "SELECT state, COUNT(*) FROM turns GROUP BY state"
	case "tier":
		query = "SELECT tier, COUNT(*) FROM turns WHERE state = 'completed' GROUP BY tier"
	default:
		return fmt.Errorf("cannot group by %q", column)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to group turns by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}

// Daily returns per-day counts for the last days days (local time), oldest
// first. Days without turns are included with zero counts.
func (s *Store) Daily(ctx context.Context, days int, now time.Time) ([]DailyCount, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if days <= 0 {
		return []DailyCount{}, nil
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := today.AddDate(0, 0, -(days - 1))

	out := make([]DailyCount, days)
	for i := range out {
		out[i].Date = start.AddDate(0, 0, i)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT started_at, state FROM turns WHERE started_at >= ?", start.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ms int64
		var state string
		if err := rows.Scan(&ms, &state); err != nil {
			return nil, err
		}
		at := time.UnixMilli(ms).In(now.Location())
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, now.Location())
		idx := int(day.Sub(start).Hours()/24 + 0.5)
		if idx < 0 || idx >= days {
			continue
		}
		out[idx].Turns++
		switch state {
		case stream.StateCompleted.String():
			out[idx].Completed++
		case stream.StateFailed.String():
			out[idx].Failed++
		case stream.StateCancelled.String():
			out[idx].Cancelled++
		}
	}
	return out, rows.Err()
}

// Prune deletes turns started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune turns: %w", err)
	}
	return res.RowsAffected()
}
