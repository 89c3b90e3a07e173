package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// StatusPending means the message is persisted locally but not yet
	// confirmed by a server echo.
	StatusPending = "pending"
	// StatusSent means a server echo confirmed delivery.
	StatusSent = "sent"
	// StatusFailed means the last send attempt could not be dispatched.
	StatusFailed = "failed"
)

// Message is the SQLite representation of a chat message.
//
// While a message is pending, MessageID equals ClientID; once the server
// echo arrives the row is re-keyed under the server-assigned id.
type Message struct {
	MessageID     string
	ClientID      string
	SenderID      string
	ReceiverID    string
	Body          string
	ImageRef      *string
	TimestampSent int64
	SenderName    string
	Status        string
	IsRead        bool
	ReadAt        *int64
}

// ChangeOp identifies the kind of mutation a Change describes.
type ChangeOp string

const (
	ChangeInserted ChangeOp = "inserted"
	ChangeUpdated  ChangeOp = "updated"
	ChangeDeleted  ChangeOp = "deleted"
)

// Change is one record-change notification emitted to store subscribers.
type Change struct {
	Op      ChangeOp
	Message Message
}

func validateStatus(status string) error {
	switch status {
	case StatusPending, StatusSent, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

// legalTransition reports whether a status change is allowed.
//
// pending -> sent, pending -> failed, failed -> pending. A sent message
// never reverts.
func legalTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
