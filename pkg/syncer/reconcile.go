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

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// Reconcile merges one remote record into the local store.
//
// Lookup order: server id first, then client draft id (the echo of our
// own just-sent message). A match is an update, never an insert, so at
// most one row exists per logical message no matter how many times the
// record arrives. The whole check-then-write runs inside the
// serialization boundary, so two concurrent deliveries of the same
// record cannot race.
func (s *Syncer) Reconcile(ctx context.Context, record Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	log := s.log.With().
		Str("component", "reconciler").
		Str("conversation_id", record.ConversationID).
		Str("server_id", record.ServerID).
		Logger()

	s.storeLock.Lock()
	existing, err := s.store.GetMessage(ctx, record.ServerID)
	if err == nil && existing == nil {
		existing, err = s.store.GetMessageByClientID(ctx, record.ClientID)
	}
	if err != nil {
		s.storeLock.Unlock()
		return err
	}

	var inbound *Message
	if existing != nil {
		err = s.updateFromRecord(ctx, log, existing, &record)
	} else {
		inbound, err = s.insertFromRecord(ctx, log, &record)
	}
	s.storeLock.Unlock()
	if err != nil {
		return err
	}

	// Notification dispatch happens outside the store boundary. System
	// messages never fire it.
	if inbound != nil && s.onInbound != nil {
		s.onInbound(inbound)
	}
	return nil
}

// updateFromRecord is the update path: the record concerns a message we
// already have.
//
// A pending row is promoted in place, exactly like the publisher's own
// ack: whichever of the two arrives second is a no-op. A synced row only
// ever gains delivery metadata; its text and timestamps are immutable
// from this path.
func (s *Syncer) updateFromRecord(ctx context.Context, log zerolog.Logger, existing *Message, record *Record) error {
	if existing.SyncStatus != SyncSynced {
		promoted, err := s.store.PromoteDraft(ctx, existing.ClientID, record.ServerID, record.ServerTimestamp, record.SequenceNumber)
		if err != nil {
			return err
		}
		if promoted {
			log.Debug().Str("client_id", existing.ClientID).Msg("Echo promoted pending draft")
			existing.ID = record.ServerID
			existing.SyncStatus = SyncSynced
			existing.ServerTimestamp = ptr.Ptr(record.ServerTimestamp)
			existing.SequenceNumber = ptr.Ptr(record.SequenceNumber)
			existing.advanceDelivery(DeliveryDelivered)
		}
	}

	changed := existing.mergeReadBy(record.ReadBy)
	if existing.readByOthers() {
		changed = existing.advanceDelivery(DeliveryRead) || changed
	} else if existing.ServerTimestamp != nil {
		changed = existing.advanceDelivery(DeliveryDelivered) || changed
	}
	if !changed {
		return nil
	}
	return s.store.UpdateMessageMeta(ctx, existing)
}

// insertFromRecord is the insert path: a message we have never seen,
// typically from a peer. The local clock stamps localCreatedAt for a
// stable render position; the server timestamp and sequence number are
// taken verbatim from the record.
func (s *Syncer) insertFromRecord(ctx context.Context, log zerolog.Logger, record *Record) (*Message, error) {
	s.checkSequenceGap(ctx, log, record)

	if err := s.ensureConversation(ctx, record); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:              record.ServerID,
		ClientID:        record.ClientID,
		ConversationID:  record.ConversationID,
		SenderID:        record.SenderID,
		Text:            record.Text,
		LocalCreatedAt:  s.now(),
		ServerTimestamp: ptr.Ptr(record.ServerTimestamp),
		SequenceNumber:  ptr.Ptr(record.SequenceNumber),
		SyncStatus:      SyncSynced,
		DeliveryState:   DeliveryDelivered,
		IsSystemMessage: record.IsSystemMessage,
	}
	msg.mergeReadBy(record.ReadBy)
	if msg.readByOthers() {
		msg.advanceDelivery(DeliveryRead)
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	log.Debug().Str("sender_id", record.SenderID).Msg("Inserted remote message")

	if record.SenderID != s.userID && !record.IsSystemMessage {
		return msg.clone(), nil
	}
	return nil, nil
}

// checkSequenceGap logs when the server sequence skips ahead of what the
// conversation has locally. Advisory only: gaps signal dropped or
// out-of-order delivery but never block rendering.
func (s *Syncer) checkSequenceGap(ctx context.Context, log zerolog.Logger, record *Record) {
	maxSeq, known, err := s.store.MaxSequence(ctx, record.ConversationID)
	if err != nil || !known {
		return
	}
	if record.SequenceNumber > maxSeq+1 {
		log.Warn().
			Int64("expected_sequence", maxSeq+1).
			Int64("got_sequence", record.SequenceNumber).
			Msg("Sequence gap in conversation")
	}
}

// ensureConversation creates a minimal conversation row when a message
// arrives for a conversation we have never seen. Messages create
// conversations; a message is never discarded because its conversation
// record hasn't arrived yet.
func (s *Syncer) ensureConversation(ctx context.Context, record *Record) error {
	conv, err := s.store.GetConversation(ctx, record.ConversationID)
	if err != nil || conv != nil {
		return err
	}
	participants := []string{s.userID}
	if record.SenderID != s.userID {
		participants = append(participants, record.SenderID)
	}
	return s.store.UpsertConversation(ctx, &Conversation{
		ID:             record.ConversationID,
		ParticipantIDs: participants,
	})
}
