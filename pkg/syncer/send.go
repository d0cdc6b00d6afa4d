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

	"github.com/google/uuid"
)

// SendMessage accepts a user-authored message for a conversation.
//
// The message is validated, committed to the local store synchronously
// under a client-local draft id, and only then handed to the remote
// publisher as a detached task. By the time this returns, the pending
// message is visible to store queries; optimistic UI latency is bounded
// by the local write alone, never by the network.
//
// Validation and permission failures are returned synchronously and
// never reach the store.
func (s *Syncer) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	trimmed, err := ValidateText(text)
	if err != nil {
		return nil, err
	}
	if s.mayPost != nil && !s.mayPost(conversationID, s.userID) {
		return nil, &ValidationError{Code: ValidationPermissionDenied}
	}

	s.storeLock.Lock()
	defer s.storeLock.Unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	draftID := uuid.New().String()
	msg := &Message{
		ID:             draftID,
		ClientID:       draftID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Text:           trimmed,
		LocalCreatedAt: s.now(),
		SyncStatus:     SyncPending,
		DeliveryState:  DeliverySent,
	}
	if err = s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to commit draft: %w", err)
	}

	s.log.Debug().
		Str("conversation_id", conversationID).
		Str("client_id", draftID).
		Msg("Draft committed, handing to publisher")

	// Detached on purpose: a committed draft must run to completion even
	// if the caller's context is cancelled (e.g. the view is dismissed).
	go s.publishDraft(context.Background(), msg.clone())

	return msg.clone(), nil
}

// Retry re-submits a permanently failed message through the normal
// publish path. There is no separate retry code path.
func (s *Syncer) Retry(ctx context.Context, messageID string) error {
	s.storeLock.Lock()
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		s.storeLock.Unlock()
		return err
	}
	if msg == nil {
		s.storeLock.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.SyncStatus == SyncSynced {
		s.storeLock.Unlock()
		return nil
	}
	if err = s.store.SetSyncStatus(ctx, msg.ID, SyncPending); err != nil {
		s.storeLock.Unlock()
		return err
	}
	msg.SyncStatus = SyncPending
	s.storeLock.Unlock()

	go s.publishDraft(context.Background(), msg.clone())
	return nil
}

// clone copies the message so detached tasks never share the row the
// caller holds.
func (m *Message) clone() *Message {
	dup := *m
	if m.ServerTimestamp != nil {
		ts := *m.ServerTimestamp
		dup.ServerTimestamp = &ts
	}
	if m.SequenceNumber != nil {
		n := *m.SequenceNumber
		dup.SequenceNumber = &n
	}
	if m.ReadBy != nil {
		dup.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for userID, readAt := range m.ReadBy {
			dup.ReadBy[userID] = readAt
		}
	}
	return &dup
}
