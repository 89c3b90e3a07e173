package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func insertTombstoneTx(tx *sql.Tx, messageID, clientID string, deletedAt int64) error {
	if deletedAt == 0 {
		deletedAt = nowUnixMilli()
	}

	_, err := tx.Exec(
		`INSERT INTO deleted_messages (message_id, client_id, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		messageID,
		clientID,
		deletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tombstone for message %q: %w", messageID, err)
	}

	return nil
}

func hasTombstoneTx(tx *sql.Tx, messageID, clientID string) (bool, error) {
	var exists int
	if err := tx.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM deleted_messages
			WHERE message_id = ? OR message_id = ?
			   OR (client_id != '' AND (client_id = ? OR client_id = ?))
		)`,
		messageID,
		clientID,
		messageID,
		clientID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check tombstone for message %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// HasTombstone returns true if a message id (or matching client id) was
// locally deleted and is still within the tombstone retention window.
func (s *Store) HasTombstone(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM deleted_messages
			WHERE message_id = ? OR (client_id != '' AND client_id = ?)
		)`,
		messageID,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check tombstone for message %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneTombstones removes tombstones older than the cutoff timestamp.
func (s *Store) PruneTombstones(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM deleted_messages WHERE deleted_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune tombstones: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for tombstone prune: %w", err)
	}

	return rowsAffected, nil
}
