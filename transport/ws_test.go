package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

type testServer struct {
	*httptest.Server
	frames chan []byte // frames written by the client
	conns  chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		frames: make(chan []byte, 16),
		conns:  make(chan *websocket.Conn, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.frames <- payload
		}
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if len(data) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/img-1.jpg"})
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Inbound{
			{ID: "server-1", Body: "hi", SenderID: r.URL.Query().Get("to"), ReceiverID: r.URL.Query().Get("from"), Timestamp: 1_000},
		})
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestChannel(t *testing.T, ts *testServer, handlers Handlers) *WSChannel {
	t.Helper()

	channel, err := NewWSChannel(ts.URL, "alice", logrus.New())
	require.NoError(t, err)
	channel.SetHandlers(handlers)
	t.Cleanup(func() {
		require.NoError(t, channel.Close())
	})
	return channel
}

func waitFrame(t *testing.T, ts *testServer) []byte {
	t.Helper()

	select {
	case payload := <-ts.frames:
		return payload
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func TestWSChannelConnectRegisterEmit(t *testing.T) {
	ts := newTestServer(t)

	state := make(chan bool, 4)
	channel := newTestChannel(t, ts, Handlers{
		OnConnectionState: func(connected bool) { state <- connected },
	})
	channel.Start()

	select {
	case connected := <-state:
		require.True(t, connected)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	require.True(t, channel.Connected())

	var register registerFrame
	require.NoError(t, json.Unmarshal(waitFrame(t, ts), &register))
	require.Equal(t, TypeRegister, register.Type)
	require.Equal(t, "alice", register.UserID)

	imageRef := "https://cdn.example.com/img.jpg"
	require.NoError(t, channel.EmitMessage(context.Background(), Outbound{
		Body:       "hello",
		SenderID:   "alice",
		ReceiverID: "bob",
		ClientID:   "client-1",
		ImageRef:   &imageRef,
	}))

	var message outboundFrame
	require.NoError(t, json.Unmarshal(waitFrame(t, ts), &message))
	require.Equal(t, TypeMessage, message.Type)
	require.Equal(t, "client-1", message.ClientID)
	require.Equal(t, "hello", message.Body)
	require.NotNil(t, message.ImageRef)

	require.NoError(t, channel.EmitReadReceipt(context.Background(), []string{"a", "b"}, "alice"))
	var receipt readReceiptFrame
	require.NoError(t, json.Unmarshal(waitFrame(t, ts), &receipt))
	require.Equal(t, TypeReadReceipt, receipt.Type)
	require.Equal(t, []string{"a", "b"}, receipt.MessageIDs)
	require.Equal(t, "alice", receipt.ReaderID)
}

func TestWSChannelDispatchesInboundFrames(t *testing.T) {
	ts := newTestServer(t)

	messages := make(chan Inbound, 4)
	receipts := make(chan []string, 4)
	channel := newTestChannel(t, ts, Handlers{
		OnMessage:     func(m Inbound) { messages <- m },
		OnReadReceipt: func(ids []string) { receipts <- ids },
	})
	channel.Start()

	var conn *websocket.Conn
	select {
	case conn = <-ts.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}
	waitFrame(t, ts) // register

	require.NoError(t, conn.WriteJSON(messageFrame{
		Type: TypeMessage,
		Inbound: Inbound{
			ID:         "server-1",
			ClientID:   "client-1",
			Body:       "echo",
			SenderID:   "alice",
			ReceiverID: "bob",
			Timestamp:  1_000,
		},
	}))
	select {
	case inbound := <-messages:
		require.Equal(t, "server-1", inbound.ID)
		require.Equal(t, "client-1", inbound.ClientID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message dispatch")
	}

	require.NoError(t, conn.WriteJSON(readReceiptFrame{
		Type:       TypeReadReceipt,
		MessageIDs: []string{"server-1"},
		ReaderID:   "bob",
	}))
	select {
	case ids := <-receipts:
		require.Equal(t, []string{"server-1"}, ids)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for read receipt dispatch")
	}

	// Unknown frame types are ignored, not fatal.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "profile_updated"}))
}

func TestEmitWhileDisconnected(t *testing.T) {
	ts := newTestServer(t)

	channel := newTestChannel(t, ts, Handlers{})
	// Never started: no connection.
	err := channel.EmitMessage(context.Background(), Outbound{
		Body: "hello", SenderID: "alice", ReceiverID: "bob", ClientID: "client-1",
	})
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, channel.Connected())
}

func TestUploadImage(t *testing.T) {
	ts := newTestServer(t)
	channel := newTestChannel(t, ts, Handlers{})

	ref, err := channel.UploadImage(context.Background(), []byte{0xFF, 0xD8, 0xFF})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/img-1.jpg", ref)

	_, err = channel.UploadImage(context.Background(), nil)
	require.Error(t, err)
}

func TestFetchHistory(t *testing.T) {
	ts := newTestServer(t)
	channel := newTestChannel(t, ts, Handlers{})

	history, err := channel.FetchHistory(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "server-1", history[0].ID)
	require.Equal(t, "bob", history[0].SenderID)
}
