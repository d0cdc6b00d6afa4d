package syncer

import (
	"testing"
	"time"
)

func TestDeliveryStateOnlyAdvances(t *testing.T) {
	msg := &Message{DeliveryState: DeliverySent}
	if !msg.advanceDelivery(DeliveryDelivered) {
		t.Fatal("sent -> delivered should advance")
	}
	if !msg.advanceDelivery(DeliveryRead) {
		t.Fatal("delivered -> read should advance")
	}
	if msg.advanceDelivery(DeliveryDelivered) {
		t.Fatal("read -> delivered must not regress")
	}
	if msg.advanceDelivery(DeliverySent) {
		t.Fatal("read -> sent must not regress")
	}
	if msg.DeliveryState != DeliveryRead {
		t.Fatalf("delivery state: want=read got=%s", msg.DeliveryState)
	}
}

func TestMergeReadByMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{SenderID: "user-a"}

	if !msg.mergeReadBy(map[string]time.Time{"user-b": base}) {
		t.Fatal("first merge should report a change")
	}
	if msg.mergeReadBy(map[string]time.Time{"user-b": base.Add(-time.Minute)}) {
		t.Fatal("older timestamp must not change anything")
	}
	if msg.ReadBy["user-b"] != base {
		t.Fatal("older timestamp moved an entry backward")
	}
	if !msg.mergeReadBy(map[string]time.Time{"user-b": base.Add(time.Minute)}) {
		t.Fatal("newer timestamp should advance the entry")
	}
	// Entries are never removed, regardless of what the remote sends.
	if msg.mergeReadBy(nil) {
		t.Fatal("empty merge should be a no-op")
	}
	if len(msg.ReadBy) != 1 {
		t.Fatalf("readBy entries: want=1 got=%d", len(msg.ReadBy))
	}
}

func TestReadByOthersIgnoresSender(t *testing.T) {
	now := time.Now()
	msg := &Message{SenderID: "user-a", ReadBy: map[string]time.Time{"user-a": now}}
	if msg.readByOthers() {
		t.Fatal("sender's own receipt should not count as read by others")
	}
	msg.ReadBy["user-b"] = now
	if !msg.readByOthers() {
		t.Fatal("recipient receipt should count")
	}
}

func TestCloneIsDeep(t *testing.T) {
	seq := int64(4)
	ts := time.Now()
	msg := &Message{
		ID:              "m1",
		SequenceNumber:  &seq,
		ServerTimestamp: &ts,
		ReadBy:          map[string]time.Time{"user-b": ts},
	}
	dup := msg.clone()
	dup.ReadBy["user-c"] = ts
	*dup.SequenceNumber = 9
	if len(msg.ReadBy) != 1 {
		t.Fatal("clone shares the readBy map")
	}
	if *msg.SequenceNumber != 4 {
		t.Fatal("clone shares the sequence pointer")
	}
}
