// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes a text/event-stream byte source into frames.
//
// The decoder is line oriented: every "data:" line yields one frame as soon
// as its terminating newline arrives. Chunk boundaries of the underlying
// reader never matter, including chunks that split a multi-byte character,
// because a line is only interpreted once it is complete.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// MaxLineSize is the default cap for a single line, newline included.
// Longer lines are discarded as anomalies.
const MaxLineSize = 1 << 20

// maxLoggedLine bounds how much of a rejected line ends up in the logs.
const maxLoggedLine = 120

var utf8BOM = []byte("\xEF\xBB\xBF")

// =============================================================================
// FRAME
// =============================================================================

// Frame is one "data:" record, tagged with the most recent event and id
// fields of the current block.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder reads frames from an event stream. It is not safe for concurrent
// use and cannot be restarted once it has returned an error.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	maxLine int

	event string
	id    string

	started   bool
	lines     int
	frames    int
	anomalies int
	err       error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for decode anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMaxLineSize overrides MaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       bufio.NewReader(r),
		logger:  slog.Default(),
		maxLine: MaxLineSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "sse")
	return d
}

// Next returns the next frame. It returns io.EOF once the stream has ended
// normally, or the underlying read error. Errors are sticky.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.err != nil {
			return Frame{}, d.err
		}

		line, oversized, err := d.readLine()
		if err != nil {
			d.err = err
			// An unterminated final line is still a line when the stream
			// ended cleanly. After a read failure it is dropped.
			if !errors.Is(err, io.EOF) || (len(line) == 0 && !oversized) {
				return Frame{}, err
			}
		}

		if oversized {
			d.lines++
			d.anomaly("line exceeds maximum size", nil)
			continue
		}

		if frame, ok := d.parseLine(line); ok {
			d.frames++
			return frame, nil
		}
	}
}

// Anomalies returns the number of discarded lines so far.
func (d *Decoder) Anomalies() int {
	return d.anomalies
}

// Frames returns the number of frames produced so far.
func (d *Decoder) Frames() int {
	return d.frames
}

// readLine reads through the next '\n'. The returned slice owns its bytes.
// When the line is longer than the cap its content is dropped and oversized
// is reported, but the reader still advances past it.
func (d *Decoder) readLine() (line []byte, oversized bool, err error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > d.maxLine {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, oversized, err
	}
}

// parseLine interprets one complete line. It returns a frame for data lines.
func (d *Decoder) parseLine(line []byte) (Frame, bool) {
	d.lines++
	line = bytes.TrimRight(line, "\r\n")
	if !d.started {
		d.started = true
		line = bytes.TrimPrefix(line, utf8BOM)
	}

	// Blank line closes the current block.
	if len(line) == 0 {
		d.event = ""
		d.id = ""
		return Frame{}, false
	}

	// Comment / keep-alive.
	if line[0] == ':' {
		return Frame{}, false
	}

	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		d.anomaly("missing field separator", line)
		return Frame{}, false
	}

	key := string(line[:idx])
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	switch key {
	case "data":
		return Frame{
			Event: d.event,
			ID:    d.id,
			Data:  append([]byte(nil), value...),
		}, true
	case "event":
		d.event = string(value)
	case "id":
		d.id = string(value)
	case "retry":
		// Reconnection is not supported; the hint is ignored.
	default:
		d.logger.Debug("ignoring unknown stream field", "field", key)
	}
	return Frame{}, false
}

func (d *Decoder) anomaly(reason string, line []byte) {
	d.anomalies++
	attrs := []any{"reason", reason, "line_no", d.lines}
	if line != nil {
		attrs = append(attrs, "line", preview(line))
	}
	d.logger.Warn("discarding malformed stream line", attrs...)
}

func preview(line []byte) string {
	if len(line) > maxLoggedLine {
		line = line[:maxLoggedLine]
	}
	return strings.ToValidUTF8(string(line), "?")
}
