package storage

import (
	"testing"
	"time"
)

func collectChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()

	select {
	case change, ok := <-ch:
		if !ok {
			t.Fatal("change channel closed unexpectedly")
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	return Change{}
}

func TestSubscribeReceivesLifecycleChanges(t *testing.T) {
	store := newTestStore(t)
	ch := store.Subscribe()

	mustInsertPending(t, store, "client-1", "alice", "bob", "hello", 1_000)
	change := collectChange(t, ch)
	if change.Op != ChangeInserted || change.Message.ClientID != "client-1" {
		t.Fatalf("unexpected insert change: %+v", change)
	}

	if err := store.UpsertConfirmed(Message{
		MessageID:     "server-1",
		ClientID:      "client-1",
		SenderID:      "alice",
		ReceiverID:    "bob",
		Body:          "hello",
		TimestampSent: 1_000,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	change = collectChange(t, ch)
	if change.Op != ChangeUpdated || change.Message.MessageID != "server-1" {
		t.Fatalf("unexpected upsert change: %+v", change)
	}

	if err := store.DeleteMessage("server-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	change = collectChange(t, ch)
	if change.Op != ChangeDeleted || change.Message.MessageID != "server-1" {
		t.Fatalf("unexpected delete change: %+v", change)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	store := newTestStore(t)
	ch := store.Subscribe()
	store.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// A lagging or removed subscriber must not block writers.
	mustInsertPending(t, store, "client-1", "alice", "bob", "hello", 1_000)
}
