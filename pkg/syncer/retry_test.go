package syncer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	ceiling := 2 * time.Minute
	for _, tc := range []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 2 * time.Minute},
		{50, 2 * time.Minute},
	} {
		if got := backoffDelay(base, ceiling, tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(attempts=%d): want=%s got=%s", tc.attempts, tc.want, got)
		}
	}
}

func TestDrainRespectsBackoffSchedule(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.remote.setPublishErr(&PublishError{Code: PublishNetworkUnavailable})
	msg, err := env.syncer.SendMessage(ctx, testConv, "backoff")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "draft to queue", func() bool {
		items, err := env.store.RetryItems(context.Background())
		return err == nil && len(items) == 1
	})

	// Still failing remote: a drain past the first delay bumps attempts
	// and pushes not_before out again.
	env.syncer.SetConnectivity(true)
	env.clock.Advance(6 * time.Second)
	env.syncer.DrainNow()
	items, err := env.store.RetryItems(ctx)
	if err != nil {
		t.Fatalf("RetryItems: %v", err)
	}
	if len(items) != 1 || items[0].Attempts != 2 {
		t.Fatalf("after failed drain: items=%d attempts=%d", len(items), items[0].Attempts)
	}
	if !items[0].NotBefore.After(env.clock.Now()) {
		t.Fatal("not_before was not pushed into the future")
	}

	// A drain before not_before must not touch the item.
	env.syncer.DrainNow()
	items, err = env.store.RetryItems(ctx)
	if err != nil {
		t.Fatalf("RetryItems: %v", err)
	}
	if items[0].Attempts != 2 {
		t.Fatalf("early drain retried too soon: attempts=%d", items[0].Attempts)
	}

	// Once the remote recovers and the delay elapses, the item delivers.
	env.remote.setPublishErr(nil)
	env.clock.Advance(time.Minute)
	env.syncer.DrainNow()
	waitFor(t, "item to deliver", func() bool {
		got := env.messageByClientID(t, msg.ClientID)
		items, err := env.store.RetryItems(context.Background())
		return got != nil && got.SyncStatus == SyncSynced && err == nil && len(items) == 0
	})
}

func TestDrainAbandonsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, &Config{RetryMaxAttempts: 2, RetryBaseSeconds: 1, RetryCapSeconds: 2})
	ctx := context.Background()

	env.remote.setPublishErr(&PublishError{Code: PublishNetworkUnavailable})
	msg, err := env.syncer.SendMessage(ctx, testConv, "doomed")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "draft to queue", func() bool {
		items, err := env.store.RetryItems(context.Background())
		return err == nil && len(items) == 1
	})

	env.syncer.SetConnectivity(true)
	env.clock.Advance(time.Minute)
	env.syncer.DrainNow()

	items, err := env.store.RetryItems(ctx)
	if err != nil {
		t.Fatalf("RetryItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("abandoned item still queued: %d", len(items))
	}
	// The message stays failed and user-actionable; abandonment only
	// stops the automatic retries.
	got := env.messageByClientID(t, msg.ClientID)
	if got == nil || got.SyncStatus != SyncFailed {
		t.Fatalf("abandoned message: %+v", got)
	}
}

func TestServerRejectedIsNeverQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.remote.setPublishErr(&PublishError{Code: PublishServerRejected})
	msg, err := env.syncer.SendMessage(ctx, testConv, "refused")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "draft to fail", func() bool {
		got := env.messageByClientID(t, msg.ClientID)
		return got != nil && got.SyncStatus == SyncFailed
	})
	items, err := env.store.RetryItems(ctx)
	if err != nil {
		t.Fatalf("RetryItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("terminal failure was queued: %d items", len(items))
	}
}

func TestManualRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.remote.setPublishErr(&PublishError{Code: PublishServerRejected})
	msg, err := env.syncer.SendMessage(ctx, testConv, "try again")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "draft to fail", func() bool {
		got := env.messageByClientID(t, msg.ClientID)
		return got != nil && got.SyncStatus == SyncFailed
	})

	env.remote.setPublishErr(nil)
	if err = env.syncer.Retry(ctx, msg.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "manual retry to sync", func() bool {
		got := env.messageByClientID(t, msg.ClientID)
		return got != nil && got.SyncStatus == SyncSynced
	})
}

func TestManualRetryUnknownMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.syncer.Retry(context.Background(), "no-such-id"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("Retry unknown id: want=ErrMessageNotFound got=%v", err)
	}
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.remote.setPublishErr(&PublishError{Code: PublishNetworkUnavailable})
	if _, err := env.syncer.SendMessage(ctx, testConv, "offline"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "draft to queue", func() bool {
		items, err := env.store.RetryItems(context.Background())
		return err == nil && len(items) == 1
	})
	before := env.remote.publishCallCount()

	env.clock.Advance(time.Hour)
	env.syncer.DrainNow()

	if got := env.remote.publishCallCount(); got != before {
		t.Fatalf("offline drain hit the remote log: before=%d after=%d", before, got)
	}
	items, err := env.store.RetryItems(ctx)
	if err != nil {
		t.Fatalf("RetryItems: %v", err)
	}
	if len(items) != 1 || items[0].Attempts != 1 {
		t.Fatalf("offline drain mutated the queue: %+v", items)
	}
}
