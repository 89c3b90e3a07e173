// Package transport carries chat traffic between the local engine and the
// chat server: a realtime bidirectional channel for messages and read
// receipts, plus HTTP endpoints for image upload and history fetch.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected indicates an emit was attempted while the channel is down.
	ErrNotConnected = errors.New("transport: not connected")
)

const (
	// TypeRegister announces the local user id after connecting.
	TypeRegister = "register"
	// TypeMessage carries one chat message in either direction.
	TypeMessage = "message"
	// TypeReadReceipt carries a batch of read message ids.
	TypeReadReceipt = "read_receipt"
)

// Envelope identifies the frame type of a wire payload.
type Envelope struct {
	Type string `json:"type"`
}

// Outbound is a locally authored message handed to the transport.
type Outbound struct {
	Body       string
	SenderID   string
	ReceiverID string
	ClientID   string
	ImageRef   *string
}

// Inbound is a server-confirmed message arriving over the channel or from a
// history fetch. ID is the server-assigned identity; ClientID correlates the
// server copy with a local pending record.
type Inbound struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId,omitempty"`
	Body       string  `json:"text"`
	SenderID   string  `json:"senderId"`
	ReceiverID string  `json:"receiverId"`
	Timestamp  int64   `json:"timestamp"`
	SenderName string  `json:"senderName,omitempty"`
	IsRead     bool    `json:"isRead,omitempty"`
	ReadAt     *int64  `json:"readAt,omitempty"`
	ImageRef   *string `json:"imageUrl,omitempty"`
}

// Handlers receives inbound channel signals. Nil fields are skipped.
type Handlers struct {
	OnMessage         func(Inbound)
	OnReadReceipt     func(ids []string)
	OnConnectionState func(connected bool)
}

// Channel is the realtime transport consumed by the delivery engine.
//
// EmitMessage and EmitReadReceipt are fire-and-forget: a nil return means
// the frame was handed to the transport, not that it was delivered. Delivery
// of a message is confirmed solely by a later OnMessage echo.
type Channel interface {
	EmitMessage(ctx context.Context, message Outbound) error
	EmitReadReceipt(ctx context.Context, ids []string, readerID string) error
	UploadImage(ctx context.Context, data []byte) (remoteRef string, err error)
	FetchHistory(ctx context.Context, myID, otherID string) ([]Inbound, error)
	Connected() bool
	SetHandlers(handlers Handlers)
}

type messageFrame struct {
	Type string `json:"type"`
	Inbound
}

type outboundFrame struct {
	Type       string  `json:"type"`
	Body       string  `json:"text"`
	SenderID   string  `json:"senderId"`
	ReceiverID string  `json:"receiverId"`
	ClientID   string  `json:"clientId"`
	ImageRef   *string `json:"imageUrl,omitempty"`
}

type readReceiptFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
}

type registerFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}
