// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"context"
	"fmt"
	"time"
)

// Record is one appended or updated entry from the remote log's change
// stream. The stream delivers loosely-typed payloads on the wire; the
// listener boundary decodes them into this closed struct and validates
// before anything reaches the reconciler.
type Record struct {
	// ServerID is the authoritative message id.
	ServerID string
	// ClientID is the client-proposed draft id, present when the record
	// is the echo of a message this client published.
	ClientID       string
	ConversationID string
	SenderID       string
	Text           string

	ServerTimestamp time.Time
	SequenceNumber  int64

	ReadBy          map[string]time.Time
	IsSystemMessage bool
}

// validate is the listener-boundary check. A record that fails here is
// dropped and logged, never reconciled.
func (r *Record) validate() error {
	if r.ServerID == "" {
		return fmt.Errorf("%w: missing server id", ErrMalformedRecord)
	}
	if r.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrMalformedRecord)
	}
	if r.SenderID == "" {
		return fmt.Errorf("%w: missing sender id", ErrMalformedRecord)
	}
	if r.ServerTimestamp.IsZero() {
		return fmt.Errorf("%w: missing server timestamp", ErrMalformedRecord)
	}
	return nil
}

// PublishAck is the remote log's acknowledgement of a publish: the
// durable position of the message in the conversation's append log.
type PublishAck struct {
	ServerID        string
	ServerTimestamp time.Time
	SequenceNumber  int64
}

// ReadUpdate is one read-receipt write: userID read messageID at ReadAt.
type ReadUpdate struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Subscription is one live change stream for a single conversation.
// Events is closed when the subscription ends, either by Close or by the
// remote side.
type Subscription interface {
	Events() <-chan Record
	Close()
}

// RemoteLog is the authoritative remote store, treated as an opaque
// ordered append log with a push-update subscription. Publish must be
// idempotent per client id: publishing the same draft twice (retry after
// an ambiguous timeout) yields the same durable record, and the
// reconciler independently guards against any duplicate that slips
// through.
type RemoteLog interface {
	Publish(ctx context.Context, conversationID, clientID, senderID, text string) (*PublishAck, error)
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	UpdateReadState(ctx context.Context, conversationID string, updates []ReadUpdate) error
}
