package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeRemote is an in-memory remote append log: per-conversation ordered
// records, sequence numbers, publish dedup by client id, and push
// subscriptions. Failure modes are switchable per test.
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string][]Record
	byClient map[string]Record
	seq      map[string]int64
	subs     map[string][]*fakeSub
	baseTime time.Time

	// publishErr makes Publish fail outright.
	publishErr error
	// commitThenFail makes Publish commit and broadcast the record but
	// still return the error, simulating an ambiguous timeout where the
	// server-side outcome is unknown to the caller.
	commitThenFail error
	// readErr makes UpdateReadState fail.
	readErr error

	publishCalls int
	readCalls    int
	// gate, when non-nil, blocks Publish until the channel is closed.
	gate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  make(map[string][]Record),
		byClient: make(map[string]Record),
		seq:      make(map[string]int64),
		subs:     make(map[string][]*fakeSub),
		baseTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeSub struct {
	remote         *fakeRemote
	conversationID string
	ch             chan Record
	closeOnce      sync.Once
}

func (s *fakeSub) Events() <-chan Record {
	return s.ch
}

func (s *fakeSub) Close() {
	s.remote.mu.Lock()
	subs := s.remote.subs[s.conversationID]
	for i, sub := range subs {
		if sub == s {
			s.remote.subs[s.conversationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.remote.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

func (f *fakeRemote) Publish(ctx context.Context, conversationID, clientID, senderID, text string) (*PublishAck, error) {
	if gate := f.currentGate(); gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if f.publishErr != nil {
		return nil, f.publishErr
	}

	rec, exists := f.byClient[clientID]
	if !exists {
		f.seq[conversationID]++
		rec = Record{
			ServerID:        "srv-" + clientID,
			ClientID:        clientID,
			ConversationID:  conversationID,
			SenderID:        senderID,
			Text:            text,
			ServerTimestamp: f.baseTime.Add(time.Duration(len(f.byClient)) * time.Second),
			SequenceNumber:  f.seq[conversationID],
		}
		f.records[conversationID] = append(f.records[conversationID], rec)
		f.byClient[clientID] = rec
		f.broadcastLocked(rec)
	}

	if f.commitThenFail != nil {
		return nil, f.commitThenFail
	}
	return &PublishAck{
		ServerID:        rec.ServerID,
		ServerTimestamp: rec.ServerTimestamp,
		SequenceNumber:  rec.SequenceNumber,
	}, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{
		remote:         f,
		conversationID: conversationID,
		ch:             make(chan Record, 256),
	}
	f.subs[conversationID] = append(f.subs[conversationID], sub)
	return sub, nil
}

func (f *fakeRemote) UpdateReadState(ctx context.Context, conversationID string, updates []ReadUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	if f.readErr != nil {
		return f.readErr
	}
	records := f.records[conversationID]
	for _, update := range updates {
		for i := range records {
			if records[i].ServerID != update.MessageID {
				continue
			}
			if records[i].ReadBy == nil {
				records[i].ReadBy = make(map[string]time.Time)
			}
			if existing, ok := records[i].ReadBy[update.UserID]; !ok || update.ReadAt.After(existing) {
				records[i].ReadBy[update.UserID] = update.ReadAt
			}
			f.broadcastLocked(records[i])
		}
	}
	return nil
}

func (f *fakeRemote) broadcastLocked(rec Record) {
	for _, sub := range f.subs[rec.ConversationID] {
		sub.ch <- rec
	}
}

// inject appends a record as if another participant had published it,
// and pushes it to subscribers.
func (f *fakeRemote) inject(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.SequenceNumber == 0 {
		f.seq[rec.ConversationID]++
		rec.SequenceNumber = f.seq[rec.ConversationID]
	} else if rec.SequenceNumber > f.seq[rec.ConversationID] {
		f.seq[rec.ConversationID] = rec.SequenceNumber
	}
	f.records[rec.ConversationID] = append(f.records[rec.ConversationID], rec)
	if rec.ClientID != "" {
		f.byClient[rec.ClientID] = rec
	}
	f.broadcastLocked(rec)
}

func (f *fakeRemote) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeRemote) setCommitThenFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitThenFail = err
}

func (f *fakeRemote) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeRemote) currentGate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate
}

func (f *fakeRemote) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeRemote) activeSubs(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

func (f *fakeRemote) publishCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishCalls
}

func (f *fakeRemote) readCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

func (f *fakeRemote) recordCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[conversationID])
}

func (f *fakeRemote) readByFor(conversationID, serverID string) map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records[conversationID] {
		if rec.ServerID == serverID {
			copied := make(map[string]time.Time, len(rec.ReadBy))
			for userID, readAt := range rec.ReadBy {
				copied[userID] = readAt
			}
			return copied
		}
	}
	return nil
}

// fakeClock is a controllable clock. Every Now call advances it by a
// millisecond so consecutive local timestamps are always distinct.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const (
	testAccount = "acct-1"
	testUser    = "user-a"
	testPeer    = "user-b"
	testConv    = "conv-1"
)

type testEnv struct {
	syncer  *Syncer
	store   *Store
	remote  *fakeRemote
	clock   *fakeClock
	inbound chan *Message
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zerolog.New(zerolog.NewTestWriter(t))

	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "chatsync.db"), testAccount, log)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if cfg == nil {
		cfg = &Config{}
	}
	remote := newFakeRemote()
	clock := newFakeClock()
	inbound := make(chan *Message, 64)
	s, err := New(Options{
		Store:  store,
		Remote: remote,
		Config: cfg,
		UserID: testUser,
		Now:    clock.Now,
		Log:    log,
		OnInboundMessage: func(msg *Message) {
			inbound <- msg
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)

	if err = store.UpsertConversation(ctx, &Conversation{
		ID:             testConv,
		ParticipantIDs: []string{testUser, testPeer},
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	return &testEnv{syncer: s, store: store, remote: remote, clock: clock, inbound: inbound}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (env *testEnv) messageByClientID(t *testing.T, clientID string) *Message {
	t.Helper()
	msg, err := env.store.GetMessageByClientID(context.Background(), clientID)
	if err != nil {
		t.Fatalf("GetMessageByClientID: %v", err)
	}
	return msg
}

func (env *testEnv) messages(t *testing.T) []*Message {
	t.Helper()
	messages, err := env.store.Messages(context.Background(), testConv)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return messages
}
