// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"time"
)

// SyncStatus tracks where a message is in its local-to-remote lifecycle.
type SyncStatus string

const (
	// SyncPending means the message is committed locally but the remote
	// log has not acknowledged it yet.
	SyncPending SyncStatus = "pending"
	// SyncSynced means the remote log has durably accepted the message
	// and assigned it a server id, timestamp and sequence number.
	SyncSynced SyncStatus = "synced"
	// SyncFailed means the last publish attempt failed. The message stays
	// in the store and may be retried.
	SyncFailed SyncStatus = "failed"
)

// DeliveryState is the per-message delivery progression. It only ever
// moves forward: sent -> delivered -> read.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

func (d DeliveryState) rank() int {
	switch d {
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether d is equal to or further along than other.
func (d DeliveryState) AtLeast(other DeliveryState) bool {
	return d.rank() >= other.rank()
}

// Message is one logical chat message. A message exists exactly once in
// the store for its whole lifecycle: it is created under a client-local
// draft id and mutated in place when the remote log assigns a server id,
// never duplicated.
type Message struct {
	// ID is the canonical id: the server-assigned id once the remote log
	// has accepted the message, the client draft id before that.
	ID string
	// ClientID is the client-local draft id. It is kept after the server
	// id becomes canonical so the echo of our own message coming back
	// through the change stream can be matched to this row.
	ClientID       string
	ConversationID string
	SenderID       string
	Text           string

	// LocalCreatedAt is set once at creation from the local clock and
	// never mutated. It is the primary render-order key, so a message is
	// orderable before any server roundtrip.
	LocalCreatedAt time.Time
	// ServerTimestamp is nil until the remote log accepts the write.
	ServerTimestamp *time.Time
	// SequenceNumber is the server-assigned per-conversation order hint,
	// nil until accepted. Gaps are advisory only.
	SequenceNumber *int64

	SyncStatus    SyncStatus
	DeliveryState DeliveryState
	// ReadBy maps recipient user id to the time they read the message.
	// Entries are only ever added or advanced, never removed.
	ReadBy map[string]time.Time

	// IsSystemMessage marks server-generated notices. They never count
	// towards unread totals and never trigger retry or notification side
	// effects.
	IsSystemMessage bool
}

// advanceDelivery moves the delivery state forward to target. Returns
// false (and leaves the state alone) if target is not an advance.
func (m *Message) advanceDelivery(target DeliveryState) bool {
	if m.DeliveryState.AtLeast(target) {
		return false
	}
	m.DeliveryState = target
	return true
}

// mergeReadBy folds remote read receipts into the local map. The merge is
// monotonic: entries are added or advanced forward, never removed or moved
// backward. Returns whether anything changed.
func (m *Message) mergeReadBy(remote map[string]time.Time) bool {
	if len(remote) == 0 {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time, len(remote))
	}
	changed := false
	for userID, readAt := range remote {
		if existing, ok := m.ReadBy[userID]; ok && !readAt.After(existing) {
			continue
		}
		m.ReadBy[userID] = readAt
		changed = true
	}
	return changed
}

// readByOthers reports whether anyone other than the sender has a read
// receipt on the message.
func (m *Message) readByOthers() bool {
	for userID := range m.ReadBy {
		if userID != m.SenderID {
			return true
		}
	}
	return false
}

// Conversation is a chat thread: a DM or a group.
type Conversation struct {
	ID             string
	ParticipantIDs []string
	AdminIDs       []string
	IsGroup        bool

	// LastMessageText and LastMessageAt are derived from message
	// ingestion. Every path that writes a message also updates these, in
	// the same transaction.
	LastMessageText string
	LastMessageAt   time.Time
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
