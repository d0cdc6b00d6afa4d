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
)

// conversationStream is one live subscription to a conversation's change
// stream. done is closed once the pump goroutine has fully exited, so a
// replacement subscription never overlaps with a dangling one.
type conversationStream struct {
	conversationID string
	sub            Subscription
	done           chan struct{}
}

// OpenConversation subscribes to a conversation's change stream and
// starts feeding records to the reconciler. Call when the conversation
// view becomes active.
//
// If a subscription for the conversation already exists it is fully
// closed first, including waiting for its pump goroutine, so the same
// remote event is never delivered to two listener instances.
func (s *Syncer) OpenConversation(ctx context.Context, conversationID string) error {
	s.subsLock.Lock()
	existing := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.subsLock.Unlock()

	if existing != nil {
		existing.sub.Close()
		<-existing.done
	}

	sub, err := s.remote.Subscribe(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation %s: %w", conversationID, err)
	}

	stream := &conversationStream{
		conversationID: conversationID,
		sub:            sub,
		done:           make(chan struct{}),
	}
	s.subsLock.Lock()
	s.subs[conversationID] = stream
	s.subsLock.Unlock()

	go s.pumpStream(stream)
	return nil
}

// CloseConversation tears down a conversation's subscription and waits
// for its pump to exit. Call when the view is dismissed. In-flight
// publishes for that conversation keep running.
func (s *Syncer) CloseConversation(conversationID string) {
	s.subsLock.Lock()
	stream := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.subsLock.Unlock()

	if stream == nil {
		return
	}
	stream.sub.Close()
	<-stream.done
}

// pumpStream feeds the change stream into the reconciler, in delivery
// order, one record at a time. A record that fails to reconcile is
// logged and dropped; the stream continues undisturbed.
func (s *Syncer) pumpStream(stream *conversationStream) {
	defer close(stream.done)
	log := s.log.With().
		Str("component", "listener").
		Str("conversation_id", stream.conversationID).
		Logger()
	log.Debug().Msg("Change stream opened")

	for record := range stream.sub.Events() {
		if err := s.Reconcile(context.Background(), record); err != nil {
			log.Warn().Err(err).
				Str("server_id", record.ServerID).
				Msg("Dropping remote record")
		}
	}
	log.Debug().Msg("Change stream closed")
}
