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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Syncer reconciles the durable local store with the authoritative remote
// append log under unreliable connectivity. Sends commit locally first
// and reach the remote log asynchronously; remote records flow back
// through per-conversation change streams and are merged without ever
// duplicating a message or regressing delivery state.
type Syncer struct {
	log    zerolog.Logger
	store  *Store
	remote RemoteLog
	cfg    *Config
	userID string

	// mayPost is the injected authorization predicate consulted before a
	// send enters the pipeline. nil means always allowed.
	mayPost func(conversationID, senderID string) bool
	// onInbound is invoked after a new inbound (non-system) message is
	// inserted, for external subscribers such as notification dispatch.
	onInbound func(*Message)
	now       func() time.Time

	// storeLock is the serialization boundary: every read-modify-write of
	// the local store funnels through it, so the duplicate-check-then-
	// update sequence in the reconciler is a single critical section and
	// UI, network callbacks and timers never interleave on one row.
	storeLock sync.Mutex

	subsLock sync.Mutex
	subs     map[string]*conversationStream

	// drainLock keeps drain passes from overlapping, so an item is never
	// re-enqueued while another pass is processing it.
	drainLock sync.Mutex

	onlineLock sync.Mutex
	online     bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// Options are the Syncer's injected collaborators. Store, Remote and
// UserID are required.
type Options struct {
	Store  *Store
	Remote RemoteLog
	Config *Config
	UserID string

	// MayPost is the authorization predicate ("may this sender post in
	// this conversation"). Optional.
	MayPost func(conversationID, senderID string) bool
	// OnInboundMessage is called after each new inbound message insert.
	// Optional. Never called for system messages.
	OnInboundMessage func(*Message)
	// Now overrides the local clock. Optional, for tests.
	Now func() time.Time

	Log zerolog.Logger
}

func New(opts Options) (*Syncer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("syncer requires a store")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("syncer requires a remote log")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("syncer requires the current user id")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		log:       opts.Log.With().Str("component", "syncer").Logger(),
		store:     opts.Store,
		remote:    opts.Remote,
		cfg:       cfg,
		userID:    opts.UserID,
		mayPost:   opts.MayPost,
		onInbound: opts.OnInboundMessage,
		now:       now,
		subs:      make(map[string]*conversationStream),
		stopChan:  make(chan struct{}),
	}, nil
}

// UserID returns the id of the account this syncer serves.
func (s *Syncer) UserID() string {
	return s.userID
}

// Store exposes the local store for read-side queries (the UI's
// observable view).
func (s *Syncer) Store() *Store {
	return s.store
}

// Start launches the background drain loop and resumes sends that were
// interrupted by a previous shutdown. The syncer starts offline; call
// SetConnectivity(true) once the transport is up.
func (s *Syncer) Start() {
	go s.runDrainLoop(s.log.With().Str("component", "retry_queue").Logger())
	go s.resumePending(context.Background())
}

// resumePending re-dispatches drafts left in pending state by an
// interrupted process. A draft that actually reached the remote log is
// deduplicated there by client id, and the promote is a no-op if the
// stream echo got here first.
func (s *Syncer) resumePending(ctx context.Context) {
	s.storeLock.Lock()
	pending, err := s.store.PendingMessages(ctx)
	s.storeLock.Unlock()
	if err != nil {
		s.log.Err(err).Msg("Failed to load interrupted sends")
		return
	}
	if len(pending) == 0 {
		return
	}
	s.log.Info().Int("count", len(pending)).Msg("Resuming interrupted sends")
	for _, msg := range pending {
		s.publishDraft(ctx, msg)
	}
}

// Stop shuts down background work and closes all change stream
// subscriptions. In-flight publishes for already-committed drafts are not
// cancelled: a send that left the pipeline always runs to completion.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	s.subsLock.Lock()
	streams := make([]*conversationStream, 0, len(s.subs))
	for _, st := range s.subs {
		streams = append(streams, st)
	}
	s.subs = make(map[string]*conversationStream)
	s.subsLock.Unlock()

	for _, st := range streams {
		st.sub.Close()
		<-st.done
	}
}

// SetConnectivity tells the syncer whether the remote log is reachable.
// An offline-to-online transition triggers an immediate drain of the
// retry queue.
func (s *Syncer) SetConnectivity(online bool) {
	s.onlineLock.Lock()
	wasOnline := s.online
	s.online = online
	s.onlineLock.Unlock()

	if online && !wasOnline {
		s.log.Info().Msg("Connectivity restored, draining retry queue")
		go s.DrainNow()
	} else if !online && wasOnline {
		s.log.Info().Msg("Connectivity lost")
	}
}

func (s *Syncer) isOnline() bool {
	s.onlineLock.Lock()
	defer s.onlineLock.Unlock()
	return s.online
}
