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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

const (
	RetryKindPublish    = "publish"
	RetryKindReadUpdate = "read_update"
)

// RetryItem is one queued remote write that failed and is waiting for
// another attempt. Items drain FIFO per conversation; NotBefore is
// computed by exponential backoff from the attempt count.
type RetryItem struct {
	QueueID        int64
	ConversationID string
	Kind           string
	// MessageID is the client draft id for publish items (the canonical
	// id mutates when the draft is promoted, the client id never does).
	MessageID   string
	PayloadJSON string
	Attempts    int
	NotBefore   time.Time
	LastError   string
	CreatedAt   time.Time
}

func (s *Store) EnqueueRetry(ctx context.Context, item *RetryItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO retry_queue (
			account_id, conversation_id, kind, message_id, payload_json,
			attempts, not_before_ms, last_error, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.accountID, item.ConversationID, item.Kind, item.MessageID, item.PayloadJSON,
		item.Attempts, item.NotBefore.UnixMilli(), item.LastError, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue retry item: %w", err)
	}
	return nil
}

// DueRetryItems returns items whose backoff has elapsed, in queue order
// (FIFO within each conversation).
func (s *Store) DueRetryItems(ctx context.Context, now time.Time, limit int) ([]*RetryItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT queue_id, conversation_id, kind, message_id, payload_json,
			attempts, not_before_ms, last_error, created_ts
		FROM retry_queue
		WHERE account_id=$1 AND not_before_ms<=$2
		ORDER BY queue_id
		LIMIT $3
	`, s.accountID, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRetryItems(rows)
}

// RetryItems lists the whole queue, for inspection.
func (s *Store) RetryItems(ctx context.Context) ([]*RetryItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT queue_id, conversation_id, kind, message_id, payload_json,
			attempts, not_before_ms, last_error, created_ts
		FROM retry_queue WHERE account_id=$1 ORDER BY queue_id
	`, s.accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRetryItems(rows)
}

func scanRetryItems(rows dbutil.Rows) ([]*RetryItem, error) {
	var items []*RetryItem
	for rows.Next() {
		var item RetryItem
		var notBeforeMS, createdMS int64
		var lastError sql.NullString
		if err := rows.Scan(
			&item.QueueID, &item.ConversationID, &item.Kind, &item.MessageID, &item.PayloadJSON,
			&item.Attempts, &notBeforeMS, &lastError, &createdMS,
		); err != nil {
			return nil, err
		}
		item.NotBefore = time.UnixMilli(notBeforeMS)
		item.CreatedAt = time.UnixMilli(createdMS)
		item.LastError = lastError.String
		items = append(items, &item)
	}
	return items, rows.Err()
}

// RescheduleRetry bumps an item's attempt count and next-eligible time
// after another failed attempt.
func (s *Store) RescheduleRetry(ctx context.Context, queueID int64, attempts int, notBefore time.Time, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE retry_queue SET attempts=$1, not_before_ms=$2, last_error=$3
		WHERE account_id=$4 AND queue_id=$5
	`, attempts, notBefore.UnixMilli(), lastError, s.accountID, queueID)
	return err
}

func (s *Store) DeleteRetryItem(ctx context.Context, queueID int64) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM retry_queue WHERE account_id=$1 AND queue_id=$2`,
		s.accountID, queueID,
	)
	return err
}

// backoffDelay computes the exponential backoff delay for the given
// attempt count: base, 2*base, 4*base, ... capped at ceiling.
func backoffDelay(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// enqueuePublishRetry queues a failed draft for redelivery. Caller holds
// the store lock.
func (s *Syncer) enqueuePublishRetry(ctx context.Context, msg *Message, cause error) error {
	return s.store.EnqueueRetry(ctx, &RetryItem{
		ConversationID: msg.ConversationID,
		Kind:           RetryKindPublish,
		MessageID:      msg.ClientID,
		Attempts:       1,
		NotBefore:      s.now().Add(s.cfg.GetRetryBase()),
		LastError:      cause.Error(),
	})
}

// enqueueReadRetry queues a failed read receipt batch. A read receipt is
// a small write under the same consistency contract as a send, so it
// shares the queue. Caller holds the store lock.
func (s *Syncer) enqueueReadRetry(ctx context.Context, conversationID string, updates []ReadUpdate, cause error) error {
	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	return s.store.EnqueueRetry(ctx, &RetryItem{
		ConversationID: conversationID,
		Kind:           RetryKindReadUpdate,
		PayloadJSON:    string(payload),
		Attempts:       1,
		NotBefore:      s.now().Add(s.cfg.GetRetryBase()),
		LastError:      cause.Error(),
	})
}

// drainCounters summarizes one drain pass.
type drainCounters struct {
	Delivered   int
	Rescheduled int
	Abandoned   int
	Skipped     int
}

func (s *Syncer) runDrainLoop(log zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.GetDrainInterval())
	defer ticker.Stop()
	log.Debug().Dur("interval", s.cfg.GetDrainInterval()).Msg("Drain loop started")
	for {
		select {
		case <-ticker.C:
			if s.isOnline() {
				s.DrainNow()
			}
		case <-s.stopChan:
			log.Debug().Msg("Drain loop stopped")
			return
		}
	}
}

// DrainNow runs one retry queue drain pass: every currently-eligible
// item gets one attempt through the same publisher/reconciler path as
// fresh sends. Passes never overlap; an item is never processed by two
// drains concurrently.
func (s *Syncer) DrainNow() {
	s.drainLock.Lock()
	defer s.drainLock.Unlock()

	if !s.isOnline() {
		return
	}

	ctx := context.Background()
	log := s.log.With().Str("component", "retry_queue").Logger()

	s.storeLock.Lock()
	items, err := s.store.DueRetryItems(ctx, s.now(), 100)
	s.storeLock.Unlock()
	if err != nil {
		log.Err(err).Msg("Failed to load due retry items")
		return
	}
	if len(items) == 0 {
		return
	}

	var counts drainCounters
	for _, item := range items {
		s.drainItem(ctx, log, item, &counts)
	}
	log.Info().
		Int("delivered", counts.Delivered).
		Int("rescheduled", counts.Rescheduled).
		Int("abandoned", counts.Abandoned).
		Int("skipped", counts.Skipped).
		Msg("Retry queue drain finished")
}

func (s *Syncer) drainItem(ctx context.Context, log zerolog.Logger, item *RetryItem, counts *drainCounters) {
	itemLog := log.With().
		Int64("queue_id", item.QueueID).
		Str("kind", item.Kind).
		Str("conversation_id", item.ConversationID).
		Int("attempts", item.Attempts).
		Logger()

	var attemptErr error
	switch item.Kind {
	case RetryKindPublish:
		s.storeLock.Lock()
		msg, err := s.store.GetMessageByClientID(ctx, item.MessageID)
		s.storeLock.Unlock()
		if err != nil {
			itemLog.Err(err).Msg("Failed to load queued draft")
			return
		}
		if msg == nil || msg.SyncStatus == SyncSynced {
			// Gone, or the echo already confirmed it. Either way the
			// queue entry is stale.
			s.deleteItem(ctx, itemLog, item)
			counts.Skipped++
			return
		}
		attemptErr = s.attemptPublish(ctx, msg)
	case RetryKindReadUpdate:
		var updates []ReadUpdate
		if err := json.Unmarshal([]byte(item.PayloadJSON), &updates); err != nil {
			itemLog.Err(err).Msg("Dropping retry item with undecodable payload")
			s.deleteItem(ctx, itemLog, item)
			counts.Skipped++
			return
		}
		attemptErr = s.remote.UpdateReadState(ctx, item.ConversationID, updates)
	default:
		itemLog.Warn().Msg("Dropping retry item of unknown kind")
		s.deleteItem(ctx, itemLog, item)
		counts.Skipped++
		return
	}

	if attemptErr == nil {
		s.deleteItem(ctx, itemLog, item)
		counts.Delivered++
		return
	}

	if !publishRetryable(attemptErr) {
		itemLog.Warn().Err(attemptErr).Msg("Remote log rejected queued item, abandoning")
		s.abandonItem(ctx, item)
		counts.Abandoned++
		return
	}

	attempts := item.Attempts + 1
	if attempts >= s.cfg.GetRetryMaxAttempts() {
		itemLog.Warn().Err(attemptErr).Msg("Retry limit reached, surfacing as permanently failed")
		s.abandonItem(ctx, item)
		counts.Abandoned++
		return
	}

	notBefore := s.now().Add(backoffDelay(s.cfg.GetRetryBase(), s.cfg.GetRetryCap(), attempts))
	s.storeLock.Lock()
	err := s.store.RescheduleRetry(ctx, item.QueueID, attempts, notBefore, attemptErr.Error())
	s.storeLock.Unlock()
	if err != nil {
		itemLog.Err(err).Msg("Failed to reschedule retry item")
		return
	}
	itemLog.Debug().Err(attemptErr).Time("not_before", notBefore).Msg("Retry attempt failed, rescheduled")
	counts.Rescheduled++
}

func (s *Syncer) deleteItem(ctx context.Context, log zerolog.Logger, item *RetryItem) {
	s.storeLock.Lock()
	defer s.storeLock.Unlock()
	if err := s.store.DeleteRetryItem(ctx, item.QueueID); err != nil {
		log.Err(err).Msg("Failed to delete retry item")
	}
}

// abandonItem removes an item from the queue for good. The backing
// message keeps its failed status, which is the user-visible "failed,
// tap to retry" state.
func (s *Syncer) abandonItem(ctx context.Context, item *RetryItem) {
	s.storeLock.Lock()
	defer s.storeLock.Unlock()
	if err := s.store.DeleteRetryItem(ctx, item.QueueID); err != nil {
		s.log.Err(err).Int64("queue_id", item.QueueID).Msg("Failed to delete abandoned retry item")
	}
}
