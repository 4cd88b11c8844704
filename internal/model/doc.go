// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Message: one user question or assistant answer, with citations and confidence
//   - Source: a citation returned by the answering service
//   - Transcript: the append-only, lock-protected message log of a conversation
//   - Statistics: timing for one streamed answer
//
// # Usage
//
//	log := model.NewTranscript()
//	_ = log.Append(model.NewUserMessage("What is hyaluronic acid?"))
//
//	answer := model.NewAssistantMessage()
//	_ = log.Append(answer)
//	log.Update(answer.ID, func(m *model.Message) {
//	    m.Content += "Hy"
//	})
package model
