package storage

import (
	"errors"
	"testing"
)

func TestDeleteMessageWritesTombstone(t *testing.T) {
	store := newTestStore(t)

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

	if err := store.DeleteMessage("server-1"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if _, err := store.GetMessageByID("server-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row should be deleted, got err=%v", err)
	}

	tombstoned, err := store.HasTombstone("server-1")
	if err != nil {
		t.Fatalf("HasTombstone failed: %v", err)
	}
	if !tombstoned {
		t.Fatal("expected tombstone for deleted message")
	}
}

func TestDeleteMessageMissingRow(t *testing.T) {
	store := newTestStore(t)

	if err := store.DeleteMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateEchoAfterDeleteIsSuppressed(t *testing.T) {
	store := newTestStore(t)

	echo := Message{
		MessageID:     "server-1",
		ClientID:      "client-1",
		SenderID:      "bob",
		ReceiverID:    "alice",
		Body:          "hello",
		TimestampSent: 1_000,
	}
	if err := store.UpsertConfirmed(echo); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.DeleteMessage("server-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Late duplicate echo for the deleted message must not resurrect it.
	if err := store.UpsertConfirmed(echo); err != nil {
		t.Fatalf("duplicate upsert errored: %v", err)
	}
	if _, err := store.GetMessageByID("server-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted message was resurrected, err=%v", err)
	}
}

func TestPruneTombstonesReopensID(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertConfirmed(Message{
		MessageID:     "server-1",
		SenderID:      "bob",
		ReceiverID:    "alice",
		Body:          "hello",
		TimestampSent: 1_000,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.DeleteMessage("server-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	pruned, err := store.PruneTombstones(nowUnixMilli() + 1)
	if err != nil {
		t.Fatalf("PruneTombstones failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned tombstone, got %d", pruned)
	}

	// After retention expires the id behaves like a fresh insert again.
	if err := store.UpsertConfirmed(Message{
		MessageID:     "server-1",
		SenderID:      "bob",
		ReceiverID:    "alice",
		Body:          "hello",
		TimestampSent: 1_000,
	}); err != nil {
		t.Fatalf("post-prune upsert failed: %v", err)
	}
	if _, err := store.GetMessageByID("server-1"); err != nil {
		t.Fatalf("expected fresh insert after prune, got %v", err)
	}
}
