package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertPending(t *testing.T, store *Store, clientID, from, to, body string, ts int64) {
	t.Helper()

	err := store.InsertPending(Message{
		ClientID:      clientID,
		SenderID:      from,
		ReceiverID:    to,
		Body:          body,
		TimestampSent: ts,
		SenderName:    "Sender " + from,
	})
	if err != nil {
		t.Fatalf("insert pending %q: %v", clientID, err)
	}
}
