package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"chatsync/storage"
	"chatsync/transport"
)

// ReadReceiptTracker computes which inbound messages must be marked read when
// a conversation becomes active, and forwards read confirmations both ways.
type ReadReceiptTracker struct {
	store   *storage.Store
	channel transport.Channel
	log     *logrus.Entry
}

// NewReadReceiptTracker wires the tracker to its store and transport.
func NewReadReceiptTracker(store *storage.Store, channel transport.Channel, logger *logrus.Logger) (*ReadReceiptTracker, error) {
	if store == nil {
		return nil, errors.New("delivery: store is required")
	}
	if channel == nil {
		return nil, errors.New("delivery: transport channel is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReadReceiptTracker{
		store:   store,
		channel: channel,
		log:     logger.WithField("component", "read_receipts"),
	}, nil
}

// OnConversationOpened marks every unread message from partnerID as read:
// one receipt over the wire for the whole batch, then the local mark. The
// receipt goes first so a crash in between leaves the messages unread
// locally and the receipt is simply resent on the next open, which the
// receiving side treats as idempotent.
func (t *ReadReceiptTracker) OnConversationOpened(ctx context.Context, localUserID, partnerID string) error {
	if localUserID == "" || partnerID == "" {
		return errors.New("delivery: both participant ids are required")
	}

	unread, err := t.store.GetUnreadIDs(partnerID, localUserID)
	if err != nil {
		return fmt.Errorf("load unread ids from %q: %w", partnerID, err)
	}
	if len(unread) == 0 {
		return nil
	}

	return t.AcknowledgeNow(ctx, unread, localUserID)
}

// AcknowledgeNow emits a read receipt for the given ids and marks them read
// locally in the same logical operation.
func (t *ReadReceiptTracker) AcknowledgeNow(ctx context.Context, ids []string, readerID string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := t.channel.EmitReadReceipt(ctx, ids, readerID); err != nil {
		return fmt.Errorf("emit read receipt: %w", err)
	}
	if err := t.store.MarkRead(ids); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	t.log.WithField("count", len(ids)).Debug("read receipt sent")
	return nil
}

// OnReadReceiptReceived marks our outbound messages read after the peer
// viewed them. Ids with no local row are a no-op; the messages may have been
// deleted locally.
func (t *ReadReceiptTracker) OnReadReceiptReceived(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := t.store.MarkRead(ids); err != nil {
		t.log.WithError(err).Error("apply inbound read receipt failed")
		return
	}
	t.log.WithField("count", len(ids)).Debug("inbound read receipt applied")
}
