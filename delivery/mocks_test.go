package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"chatsync/storage"
	"chatsync/transport"
)

// mockChannel is an in-memory transport.Channel for engine tests.
type mockChannel struct {
	mu        sync.Mutex
	connected bool

	emitted      []transport.Outbound
	emitErr      error
	emitGate     chan struct{} // when set, EmitMessage blocks until closed
	receiptIDs   [][]string
	receiptErr   error
	uploadRef    string
	uploadErr    error
	uploadCalls  int
	history      []transport.Inbound
	historyErr   error
	handlers     transport.Handlers
}

func newMockChannel() *mockChannel {
	return &mockChannel{connected: true, uploadRef: "https://cdn.example.com/uploaded.jpg"}
}

func (m *mockChannel) EmitMessage(ctx context.Context, message transport.Outbound) error {
	m.mu.Lock()
	gate := m.emitGate
	err := m.emitErr
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.emitted = append(m.emitted, message)
	m.mu.Unlock()
	return nil
}

func (m *mockChannel) EmitReadReceipt(ctx context.Context, ids []string, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return m.receiptErr
	}
	m.receiptIDs = append(m.receiptIDs, ids)
	return nil
}

func (m *mockChannel) UploadImage(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadCalls++
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	return m.uploadRef, nil
}

func (m *mockChannel) FetchHistory(ctx context.Context, myID, otherID string) ([]transport.Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockChannel) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockChannel) SetHandlers(handlers transport.Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = handlers
}

func (m *mockChannel) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *mockChannel) emittedMessages() []transport.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Outbound, len(m.emitted))
	copy(out, m.emitted)
	return out
}

func (m *mockChannel) sentReceipts() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.receiptIDs))
	copy(out, m.receiptIDs)
	return out
}

type testRig struct {
	engine  *Engine
	channel *mockChannel
	store   *storage.Store
	tracker *ReadReceiptTracker

	background []transport.Inbound
	bgMu       sync.Mutex
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	images, err := NewImageStore(t.TempDir())
	require.NoError(t, err)

	channel := newMockChannel()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	tracker, err := NewReadReceiptTracker(store, channel, logger)
	require.NoError(t, err)

	rig := &testRig{channel: channel, store: store, tracker: tracker}

	engine, err := NewEngine(EngineConfig{
		Store:       store,
		Channel:     channel,
		Images:      images,
		Tracker:     tracker,
		LocalUserID: "alice",
		DisplayName: "Alice",
		OnBackgroundMessage: func(msg transport.Inbound) {
			rig.bgMu.Lock()
			rig.background = append(rig.background, msg)
			rig.bgMu.Unlock()
		},
		Logger: logger,
	})
	require.NoError(t, err)
	rig.engine = engine

	return rig
}

func (r *testRig) backgroundMessages() []transport.Inbound {
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	out := make([]transport.Inbound, len(r.background))
	copy(out, r.background)
	return out
}
