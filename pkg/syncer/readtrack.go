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
	"time"
)

// MarkRead records that the current user has read a conversation: every
// inbound message without our read receipt gains one.
//
// The local store is updated immediately (optimistic, same as sends);
// the receipts then go to the remote log in batches rather than one
// round-trip per message. A failed batch joins the retry queue exactly
// like a failed send. Peers' receipts flow back through the change
// stream and merge monotonically in the reconciler.
func (s *Syncer) MarkRead(ctx context.Context, conversationID string) error {
	readAt := s.now()

	s.storeLock.Lock()
	unread, err := s.store.UnreadMessages(ctx, conversationID, s.userID)
	if err != nil {
		s.storeLock.Unlock()
		return err
	}
	updates := make([]ReadUpdate, 0, len(unread))
	for _, msg := range unread {
		if !msg.mergeReadBy(map[string]time.Time{s.userID: readAt}) {
			continue
		}
		msg.advanceDelivery(DeliveryRead)
		if err = s.store.UpdateMessageMeta(ctx, msg); err != nil {
			s.storeLock.Unlock()
			return err
		}
		updates = append(updates, ReadUpdate{MessageID: msg.ID, UserID: s.userID, ReadAt: readAt})
	}
	s.storeLock.Unlock()

	if len(updates) == 0 {
		return nil
	}
	s.log.Debug().
		Str("component", "read_tracker").
		Str("conversation_id", conversationID).
		Int("receipts", len(updates)).
		Msg("Marked conversation read locally")

	// Detached like publishes: receipts already committed locally must
	// reach the remote log even if the view goes away.
	go s.pushReadUpdates(context.Background(), conversationID, updates)
	return nil
}

// pushReadUpdates writes read receipts to the remote log in batches.
func (s *Syncer) pushReadUpdates(ctx context.Context, conversationID string, updates []ReadUpdate) {
	log := s.log.With().
		Str("component", "read_tracker").
		Str("conversation_id", conversationID).
		Logger()

	batchSize := s.cfg.GetReadBatchSize()
	for start := 0; start < len(updates); start += batchSize {
		end := start + batchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]

		err := s.remote.UpdateReadState(ctx, conversationID, batch)
		if err == nil {
			continue
		}
		if !publishRetryable(err) {
			log.Warn().Err(err).Int("receipts", len(batch)).Msg("Remote log rejected read receipts")
			continue
		}
		s.storeLock.Lock()
		queueErr := s.enqueueReadRetry(ctx, conversationID, batch, err)
		s.storeLock.Unlock()
		if queueErr != nil {
			log.Err(queueErr).Msg("Failed to enqueue read receipts for retry")
			continue
		}
		log.Info().Err(err).Int("receipts", len(batch)).Msg("Read receipt write failed, queued for retry")
	}
}
