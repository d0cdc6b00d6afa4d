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
)

// publishDraft pushes a committed draft to the remote log and applies the
// outcome. Fresh sends and retry-queue drains both end up here; there is
// no divergent retry path.
//
// On success the draft row is promoted in place. On a retryable failure
// the row flips to failed and the draft joins the retry queue; terminal
// rejections flip to failed without queueing.
func (s *Syncer) publishDraft(ctx context.Context, msg *Message) {
	log := s.log.With().
		Str("component", "publisher").
		Str("conversation_id", msg.ConversationID).
		Str("client_id", msg.ClientID).
		Logger()

	ack, err := s.remote.Publish(ctx, msg.ConversationID, msg.ClientID, msg.SenderID, msg.Text)
	if err != nil {
		retryable := publishRetryable(err)

		s.storeLock.Lock()
		defer s.storeLock.Unlock()
		if markErr := s.store.SetSyncStatus(ctx, msg.ID, SyncFailed); markErr != nil {
			log.Err(markErr).Msg("Failed to mark draft as failed")
		}
		if !retryable {
			log.Warn().Err(err).Msg("Remote log rejected draft, not retrying")
			return
		}
		if queueErr := s.enqueuePublishRetry(ctx, msg, err); queueErr != nil {
			log.Err(queueErr).Msg("Failed to enqueue draft for retry")
			return
		}
		log.Info().Err(err).Msg("Publish failed, draft queued for retry")
		return
	}

	s.applyAck(ctx, log.With().Str("server_id", ack.ServerID).Logger(), msg.ClientID, ack)
}

// applyAck folds a publish acknowledgement into the store. The same
// acknowledgement may also arrive as the change stream echo; whichever
// comes second finds no pending draft and is a no-op.
func (s *Syncer) applyAck(ctx context.Context, log zerolog.Logger, clientID string, ack *PublishAck) {
	s.storeLock.Lock()
	defer s.storeLock.Unlock()

	promoted, err := s.store.PromoteDraft(ctx, clientID, ack.ServerID, ack.ServerTimestamp, ack.SequenceNumber)
	if err != nil {
		log.Err(err).Msg("Failed to apply publish ack")
		return
	}
	if !promoted {
		log.Debug().Msg("Draft already synced, ack is a no-op")
		return
	}
	log.Info().
		Time("server_timestamp", ack.ServerTimestamp).
		Int64("sequence_number", ack.SequenceNumber).
		Msg("Draft acknowledged by remote log")
}

// attemptPublish is the drain-path entry: one synchronous publish attempt
// for a queued draft, sharing applyAck with the fresh-send path.
func (s *Syncer) attemptPublish(ctx context.Context, msg *Message) error {
	ack, err := s.remote.Publish(ctx, msg.ConversationID, msg.ClientID, msg.SenderID, msg.Text)
	if err != nil {
		return err
	}
	log := s.log.With().
		Str("component", "publisher").
		Str("client_id", msg.ClientID).
		Str("server_id", ack.ServerID).
		Logger()
	s.applyAck(ctx, log, msg.ClientID, ack)
	return nil
}
