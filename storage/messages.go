package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `
	message_id,
	client_id,
	sender_id,
	receiver_id,
	body,
	image_ref,
	timestamp_sent,
	sender_name,
	status,
	is_read,
	read_at`

// InsertPending inserts a locally authored message awaiting server confirmation.
//
// The row is keyed by the client-generated correlation id; the server echo
// re-keys it later via UpsertConfirmed.
func (s *Store) InsertPending(message Message) error {
	if message.ClientID == "" {
		return errors.New("client_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return errors.New("receiver_id is required")
	}
	if message.Body == "" && message.ImageRef == nil {
		return errors.New("message needs a body or an image")
	}
	if message.Status == "" {
		message.Status = StatusPending
	}
	if message.Status != StatusPending && message.Status != StatusFailed {
		return fmt.Errorf("invalid initial status %q", message.Status)
	}
	if message.TimestampSent == 0 {
		message.TimestampSent = nowUnixMilli()
	}
	message.MessageID = message.ClientID

	isRead := 0
	if message.IsRead {
		isRead = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			client_id,
			sender_id,
			receiver_id,
			body,
			image_ref,
			timestamp_sent,
			sender_name,
			status,
			is_read,
			read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ClientID,
		message.SenderID,
		message.ReceiverID,
		message.Body,
		nullString(message.ImageRef),
		message.TimestampSent,
		message.SenderName,
		message.Status,
		isRead,
		nullInt64(message.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("insert pending message %q: %w", message.ClientID, err)
	}

	s.notifier.publish(Change{Op: ChangeInserted, Message: message})
	return nil
}

// UpsertConfirmed stores a server-confirmed message, replacing any local row
// that matches its client id or message id.
//
// This is the dedup boundary: applying the same echo twice leaves exactly one
// row, and a pending record is swapped for its confirmed counterpart rather
// than duplicated. Read state from the displaced row is preserved (is_read is
// monotonic). A tombstoned id is silently skipped so late duplicate echoes
// cannot resurrect a locally deleted message.
func (s *Store) UpsertConfirmed(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return errors.New("receiver_id is required")
	}
	if message.ClientID == "" {
		message.ClientID = message.MessageID
	}
	if message.TimestampSent == 0 {
		message.TimestampSent = nowUnixMilli()
	}
	message.Status = StatusSent

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	tombstoned, err := hasTombstoneTx(tx, message.MessageID, message.ClientID)
	if err != nil {
		return err
	}
	if tombstoned {
		return nil
	}

	var (
		displaced   int
		wasRead     int
		priorReadAt sql.NullInt64
	)
	err = tx.QueryRow(
		`SELECT is_read, read_at FROM messages
		WHERE client_id = ? OR message_id = ?`,
		message.ClientID,
		message.MessageID,
	).Scan(&wasRead, &priorReadAt)
	switch {
	case err == nil:
		displaced = 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("look up prior row for message %q: %w", message.MessageID, err)
	}

	if displaced == 1 {
		if _, err := tx.Exec(
			`DELETE FROM messages WHERE client_id = ? OR message_id = ?`,
			message.ClientID,
			message.MessageID,
		); err != nil {
			return fmt.Errorf("displace prior row for message %q: %w", message.MessageID, err)
		}
		if wasRead == 1 {
			message.IsRead = true
			if message.ReadAt == nil {
				message.ReadAt = int64Ptr(priorReadAt)
			}
		}
	}

	isRead := 0
	if message.IsRead {
		isRead = 1
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (
			message_id,
			client_id,
			sender_id,
			receiver_id,
			body,
			image_ref,
			timestamp_sent,
			sender_name,
			status,
			is_read,
			read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ClientID,
		message.SenderID,
		message.ReceiverID,
		message.Body,
		nullString(message.ImageRef),
		message.TimestampSent,
		message.SenderName,
		message.Status,
		isRead,
		nullInt64(message.ReadAt),
	); err != nil {
		return fmt.Errorf("insert confirmed message %q: %w", message.MessageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert for message %q: %w", message.MessageID, err)
	}

	op := ChangeInserted
	if displaced == 1 {
		op = ChangeUpdated
	}
	s.notifier.publish(Change{Op: op, Message: message})
	return nil
}

// MarkRead marks the given message ids read. Already-read rows are left
// untouched; read state never reverts. Unknown ids are ignored.
func (s *Store) MarkRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark read transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	changed := make([]Message, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		res, err := tx.Exec(
			`UPDATE messages
			SET is_read = 1, read_at = ?
			WHERE message_id = ? AND is_read = 0`,
			now,
			id,
		)
		if err != nil {
			return fmt.Errorf("mark message %q read: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for mark read %q: %w", id, err)
		}
		if affected == 0 {
			continue
		}
		message, err := scanMessage(tx.QueryRow(
			`SELECT`+messageColumns+` FROM messages WHERE message_id = ?`, id,
		))
		if err != nil {
			return fmt.Errorf("reload message %q after mark read: %w", id, err)
		}
		changed = append(changed, *message)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark read: %w", err)
	}

	for _, message := range changed {
		s.notifier.publish(Change{Op: ChangeUpdated, Message: message})
	}
	return nil
}

// DeleteMessage removes a row and records a tombstone so duplicate echoes for
// the same message cannot re-insert it.
func (s *Store) DeleteMessage(id string) error {
	if id == "" {
		return errors.New("message_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	message, err := scanMessage(tx.QueryRow(
		`SELECT`+messageColumns+` FROM messages WHERE message_id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load message %q for delete: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	if err := insertTombstoneTx(tx, message.MessageID, message.ClientID, nowUnixMilli()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete for message %q: %w", id, err)
	}

	s.notifier.publish(Change{Op: ChangeDeleted, Message: *message})
	return nil
}

// GetConversation returns all messages between two participants, in either
// direction, ordered by client-assigned timestamp.
func (s *Store) GetConversation(participantA, participantB string) ([]Message, error) {
	if participantA == "" || participantB == "" {
		return nil, errors.New("both participants are required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?)
		   OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp_sent ASC`,
		participantA, participantB,
		participantB, participantA,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q/%q: %w", participantA, participantB, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetPendingMessages returns outbound pending and failed messages authored by
// senderID, oldest first, for the retry sweep.
func (s *Store) GetPendingMessages(senderID string) ([]Message, error) {
	if senderID == "" {
		return nil, errors.New("sender_id is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE sender_id = ? AND status IN (?, ?)
		ORDER BY timestamp_sent ASC`,
		senderID,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending messages for %q: %w", senderID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetUnreadIDs returns ids of unread messages sent by from to to.
func (s *Store) GetUnreadIDs(from, to string) ([]string, error) {
	if from == "" || to == "" {
		return nil, errors.New("both participants are required")
	}

	rows, err := s.db.Query(
		`SELECT message_id
		FROM messages
		WHERE sender_id = ? AND receiver_id = ? AND is_read = 0
		ORDER BY timestamp_sent ASC`,
		from,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("get unread ids from %q to %q: %w", from, to, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread ids: %w", err)
	}

	return ids, nil
}

// UpdateStatus moves a message along the delivery state machine. Illegal
// transitions are rejected; a sent message never changes status again.
func (s *Store) UpdateStatus(id, status string) error {
	if id == "" {
		return errors.New("message_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin status transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	message, err := scanMessage(tx.QueryRow(
		`SELECT`+messageColumns+` FROM messages WHERE message_id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load message %q for status update: %w", id, err)
	}

	if message.Status == status {
		return nil
	}
	if !legalTransition(message.Status, status) {
		return fmt.Errorf("illegal status transition %q -> %q for message %q", message.Status, status, id)
	}

	if _, err := tx.Exec(
		`UPDATE messages SET status = ? WHERE message_id = ?`,
		status,
		id,
	); err != nil {
		return fmt.Errorf("update status for message %q: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update for message %q: %w", id, err)
	}

	message.Status = status
	s.notifier.publish(Change{Op: ChangeUpdated, Message: *message})
	return nil
}

// UpdateImageRef replaces a message's image reference, typically swapping a
// local file ref for the uploaded remote one.
func (s *Store) UpdateImageRef(id, imageRef string) error {
	if id == "" {
		return errors.New("message_id is required")
	}
	if imageRef == "" {
		return errors.New("image_ref is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET image_ref = ? WHERE message_id = ?`,
		imageRef,
		id,
	)
	if err != nil {
		return fmt.Errorf("update image ref for message %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for image ref update %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	message, err := s.GetMessageByID(id)
	if err == nil {
		s.notifier.publish(Change{Op: ChangeUpdated, Message: *message})
	}
	return nil
}

// GetMessageByID fetches one message by its current primary id.
func (s *Store) GetMessageByID(id string) (*Message, error) {
	if id == "" {
		return nil, errors.New("message_id is required")
	}

	message, err := scanMessage(s.db.QueryRow(
		`SELECT`+messageColumns+` FROM messages WHERE message_id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	return message, nil
}

// GetMessageByClientID fetches one message by its correlation id.
func (s *Store) GetMessageByClientID(clientID string) (*Message, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}

	message, err := scanMessage(s.db.QueryRow(
		`SELECT`+messageColumns+` FROM messages WHERE client_id = ?`, clientID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message by client id %q: %w", clientID, err)
	}
	return message, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message  Message
		imageRef sql.NullString
		isRead   int
		readAt   sql.NullInt64
	)

	if err := row.Scan(
		&message.MessageID,
		&message.ClientID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Body,
		&imageRef,
		&message.TimestampSent,
		&message.SenderName,
		&message.Status,
		&isRead,
		&readAt,
	); err != nil {
		return nil, err
	}

	message.ImageRef = stringPtr(imageRef)
	message.IsRead = isRead == 1
	message.ReadAt = int64Ptr(readAt)

	return &message, nil
}
