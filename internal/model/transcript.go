// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sync"
)

// ErrDuplicateMessage is returned when appending a message whose ID is
// already in the log.
var ErrDuplicateMessage = errors.New("message already in transcript")

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is the append-only, ordered message log of one conversation.
//
// All access is serialized by an internal lock. Readers get deep copies and
// can wait on Changed to learn that a newer snapshot is available.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
	version  uint64
	changed  chan struct{}
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		index:   make(map[string]int),
		changed: make(chan struct{}),
	}
}

// Append adds a message to the end of the log.
func (t *Transcript) Append(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[msg.ID]; ok {
		return ErrDuplicateMessage
	}
	t.index[msg.ID] = len(t.messages)
	t.messages = append(t.messages, msg.Clone())
	t.notifyLocked()
	return nil
}

// Update applies fn to the message with the given ID while holding the lock,
// so observers see either all of fn's changes or none of them. fn must not
// retain the pointer. Returns false if no such message exists.
func (t *Transcript) Update(id string, fn func(*Message)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}
	fn(&t.messages[i])
	t.notifyLocked()
	return true
}

// Get returns a copy of the message with the given ID.
func (t *Transcript) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.messages[i].Clone(), true
}

// Snapshot returns a deep copy of the whole log in order.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages in the log.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Clear removes every message.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages = nil
	t.index = make(map[string]int)
	t.notifyLocked()
}

// Version increases on every mutation.
func (t *Transcript) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Changed returns a channel that is closed at the next mutation. Callers
// re-fetch it after each wakeup.
func (t *Transcript) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

func (t *Transcript) notifyLocked() {
	t.version++
	close(t.changed)
	t.changed = make(chan struct{})
}
