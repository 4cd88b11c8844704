// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"log/slog"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/sse"
)

// Handler receives classified events. Each call updates exactly one
// accumulator on the receiving side.
type Handler interface {
	OnContent(delta string)
	OnSources(sources []model.Source)
	OnFollowUps(questions []string)
	OnDone(conversationID string)
	OnError(message string)
}

// Stats counts what a Dispatcher has seen.
type Stats struct {
	Events    int // recognized events delivered to the handler
	Anomalies int // payloads that could not be decoded
	Ignored   int // unknown kinds and frames after a terminal event
}

// Dispatcher routes frames to a Handler. It is not safe for concurrent use;
// one stream is consumed by one goroutine.
type Dispatcher struct {
	handler  Handler
	logger   *slog.Logger
	stats    Stats
	terminal bool
}

// NewDispatcher creates a dispatcher delivering to h. A nil logger uses
// slog.Default().
func NewDispatcher(h Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler: h,
		logger:  logger.With("component", "event"),
	}
}

// Dispatch parses a frame and delivers it. It returns the kind that was
// delivered and false when the frame was dropped.
func (d *Dispatcher) Dispatch(f sse.Frame) (Kind, bool) {
	if d.terminal {
		d.stats.Ignored++
		return "", false
	}

	ev, err := ParseFrame(f)
	if err != nil {
		d.stats.Anomalies++
		d.logger.Warn("skipping undecodable stream payload", "error", err, "bytes", len(f.Data))
		return "", false
	}
	if !ev.Kind.Known() {
		d.stats.Ignored++
		d.logger.Debug("ignoring unknown event type", "type", string(ev.Kind))
		return "", false
	}
	if ev.OutOfRange > 0 {
		d.logger.Warn("relevance scores outside [0,1]", "count", ev.OutOfRange)
	}

	d.stats.Events++
	switch ev.Kind {
	case KindContent:
		d.handler.OnContent(ev.Delta)
	case KindSources:
		d.handler.OnSources(ev.Sources)
	case KindFollowUps:
		d.handler.OnFollowUps(ev.FollowUps)
	case KindDone:
		d.terminal = true
		d.handler.OnDone(ev.ConversationID)
	case KindError:
		d.terminal = true
		d.handler.OnError(ev.Message)
	}
	return ev.Kind, true
}

// Stats returns the counters collected so far.
func (d *Dispatcher) Stats() Stats {
	return d.stats
}

// Terminated reports whether a done or error event has been delivered.
func (d *Dispatcher) Terminated() bool {
	return d.terminal
}

// Malformed reports whether the stream so far consisted only of garbage:
// nothing was recognized but something was discarded. extra adds anomalies
// detected below this layer, such as unparseable lines.
func (d *Dispatcher) Malformed(extra int) bool {
	return d.stats.Events == 0 && d.stats.Anomalies+extra > 0
}
