// Package delivery implements the client-side message delivery and
// synchronization engine: it turns user intent into durable pending records,
// pushes them over the transport, reconciles server echoes, retries failed
// sends, and tracks read state.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatsync/storage"
	"chatsync/transport"
)

// Engine is the delivery state machine. All store mutations are serialized
// through one mutex (single-writer discipline); image uploads and transport
// emits happen outside it so slow I/O never blocks reconciliation.
type Engine struct {
	store   *storage.Store
	channel transport.Channel
	images  *ImageStore
	tracker *ReadReceiptTracker

	localUserID string
	displayName string

	mu sync.Mutex // serializes store mutations

	activeMu      sync.Mutex
	activePartner string
	tracked       map[string]struct{}

	sweepMu  sync.Mutex
	sweeping map[string]bool

	onBackground func(transport.Inbound)

	log *logrus.Entry
}

// EngineConfig wires the engine's collaborators. All of Store, Channel,
// Images, Tracker, and LocalUserID are required.
type EngineConfig struct {
	Store       *storage.Store
	Channel     transport.Channel
	Images      *ImageStore
	Tracker     *ReadReceiptTracker
	LocalUserID string
	DisplayName string

	// OnBackgroundMessage receives relevant-to-me messages for conversations
	// the engine is not tracking, for unread-counter bookkeeping. Optional.
	OnBackgroundMessage func(transport.Inbound)

	Logger *logrus.Logger
}

// NewEngine constructs a fully wired engine. There is no late setup step:
// every dependency is required here.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("delivery: store is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("delivery: transport channel is required")
	}
	if cfg.Images == nil {
		return nil, errors.New("delivery: image store is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("delivery: read receipt tracker is required")
	}
	if cfg.LocalUserID == "" {
		return nil, errors.New("delivery: local user id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Engine{
		store:        cfg.Store,
		channel:      cfg.Channel,
		images:       cfg.Images,
		tracker:      cfg.Tracker,
		localUserID:  cfg.LocalUserID,
		displayName:  cfg.DisplayName,
		tracked:      make(map[string]struct{}),
		sweeping:     make(map[string]bool),
		onBackground: cfg.OnBackgroundMessage,
		log:          cfg.Logger.WithField("component", "delivery"),
	}, nil
}

// Send persists a pending record for the given text and optional image, then
// attempts to push it over the transport. The record is durable before any
// network I/O happens; a dead transport or failed upload leaves it failed for
// the retry sweep, never lost. The returned client id identifies the record
// until the server echo re-keys it.
func (e *Engine) Send(ctx context.Context, text string, image []byte, receiverID string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(image) == 0 {
		return "", errors.New("delivery: message needs text or an image")
	}
	if receiverID == "" {
		return "", errors.New("delivery: receiver id is required")
	}

	clientID := uuid.NewString()
	timestamp := time.Now().UnixMilli()

	// Durable local image copy first, so a restart mid-send can still retry
	// the upload.
	var localRef *string
	if len(image) > 0 {
		ref, err := e.images.SavePending(image)
		if err != nil {
			return "", fmt.Errorf("persist pending image: %w", err)
		}
		localRef = &ref
	}

	record := storage.Message{
		ClientID:      clientID,
		SenderID:      e.localUserID,
		ReceiverID:    receiverID,
		Body:          text,
		ImageRef:      localRef,
		TimestampSent: timestamp,
		SenderName:    e.displayName,
		Status:        storage.StatusPending,
	}

	e.mu.Lock()
	err := e.store.InsertPending(record)
	e.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist pending message: %w", err)
	}
	e.TrackConversation(receiverID)

	log := e.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"receiver":  receiverID,
		"has_image": localRef != nil,
	})

	outboundRef := localRef
	if localRef != nil {
		remoteRef, err := e.channel.UploadImage(ctx, image)
		if err != nil {
			// Text and local image ref stay intact for the retry sweep.
			log.WithError(err).Warn("image upload failed, message marked failed")
			e.markFailed(clientID)
			return clientID, nil
		}
		e.mu.Lock()
		if err := e.store.UpdateImageRef(clientID, remoteRef); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("persist uploaded image ref failed")
		}
		e.mu.Unlock()
		outboundRef = &remoteRef
	}

	if !e.channel.Connected() {
		log.Debug("transport disconnected, message marked failed")
		e.markFailed(clientID)
		return clientID, nil
	}

	if err := e.channel.EmitMessage(ctx, transport.Outbound{
		Body:       text,
		SenderID:   e.localUserID,
		ReceiverID: receiverID,
		ClientID:   clientID,
		ImageRef:   outboundRef,
	}); err != nil {
		log.WithError(err).Debug("emit failed, message marked failed")
		e.markFailed(clientID)
		return clientID, nil
	}

	// Deliberately left pending: only the server echo confirms delivery.
	log.Debug("message emitted, awaiting echo")
	return clientID, nil
}

// Reconcile applies one inbound message event, whether an echo of our own
// send or a message from the peer. Duplicate events are idempotent.
func (e *Engine) Reconcile(ctx context.Context, msg transport.Inbound) error {
	if msg.ID == "" {
		return errors.New("delivery: inbound message has no id")
	}

	if !e.isRelevant(msg) {
		if e.onBackground != nil {
			e.onBackground(msg)
		}
		e.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"sender":     msg.SenderID,
		}).Debug("inbound message routed to background bookkeeping")
		return nil
	}

	record := inboundToRecord(msg)

	if msg.SenderID == e.localUserID {
		// Server echo of our own send: the pending row keyed by the client
		// id is swapped for the server copy in one transaction.
		e.mu.Lock()
		err := e.store.UpsertConfirmed(record)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("reconcile echo %q: %w", msg.ID, err)
		}
		e.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"client_id":  msg.ClientID,
		}).Debug("echo reconciled")
		return nil
	}

	e.mu.Lock()
	err := e.store.UpsertConfirmed(record)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reconcile inbound %q: %w", msg.ID, err)
	}

	if e.ActivePartner() == msg.SenderID {
		if err := e.tracker.AcknowledgeNow(ctx, []string{msg.ID}, e.localUserID); err != nil {
			e.log.WithError(err).WithField("message_id", msg.ID).Warn("immediate read receipt failed")
		}
	}
	return nil
}

// RetrySweep re-emits every pending or failed record authored by senderID,
// oldest first. Concurrent sweeps for the same sender are dropped, so a
// flapping trigger source cannot double-send.
func (e *Engine) RetrySweep(ctx context.Context, senderID string) error {
	if senderID == "" {
		return errors.New("delivery: sender id is required")
	}

	e.sweepMu.Lock()
	if e.sweeping[senderID] {
		e.sweepMu.Unlock()
		e.log.WithField("sender", senderID).Debug("retry sweep already in flight, dropped")
		return nil
	}
	e.sweeping[senderID] = true
	e.sweepMu.Unlock()
	defer func() {
		e.sweepMu.Lock()
		delete(e.sweeping, senderID)
		e.sweepMu.Unlock()
	}()

	if !e.channel.Connected() {
		e.log.Debug("retry sweep skipped, transport disconnected")
		return nil
	}

	pending, err := e.store.GetPendingMessages(senderID)
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"sender": senderID,
		"count":  len(pending),
	}).Info("retry sweep started")

	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.retryOne(ctx, record)
	}
	return nil
}

// retryOne re-emits a single queued record. Failures affect only this record;
// siblings in the sweep proceed regardless.
func (e *Engine) retryOne(ctx context.Context, record storage.Message) {
	log := e.log.WithFields(logrus.Fields{
		"client_id": record.ClientID,
		"status":    record.Status,
	})

	outboundRef := record.ImageRef
	if record.ImageRef != nil && IsLocalRef(*record.ImageRef) {
		data, err := e.images.Load(*record.ImageRef)
		if err != nil {
			log.WithError(err).Warn("pending image unreadable, record skipped")
			return
		}
		remoteRef, err := e.channel.UploadImage(ctx, data)
		if err != nil {
			log.WithError(err).Debug("retry upload failed, record skipped")
			return
		}
		e.mu.Lock()
		err = e.store.UpdateImageRef(record.MessageID, remoteRef)
		e.mu.Unlock()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("persist uploaded image ref failed")
			return
		}
		outboundRef = &remoteRef
	}

	// The original client id rides along so the server can deduplicate this
	// retry against the earlier attempt.
	if err := e.channel.EmitMessage(ctx, transport.Outbound{
		Body:       record.Body,
		SenderID:   record.SenderID,
		ReceiverID: record.ReceiverID,
		ClientID:   record.ClientID,
		ImageRef:   outboundRef,
	}); err != nil {
		log.WithError(err).Debug("retry emit failed")
		if record.Status == storage.StatusPending {
			e.markFailed(record.MessageID)
		}
		return
	}

	if record.Status == storage.StatusFailed {
		e.mu.Lock()
		err := e.store.UpdateStatus(record.MessageID, storage.StatusPending)
		e.mu.Unlock()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("requeue failed record errored")
			return
		}
	}
	log.Debug("retry emitted, awaiting echo")
}

// DeleteMessage removes a message locally. No wire event is sent; the peer's
// copy is unaffected, and a tombstone keeps late duplicate echoes from
// re-inserting the row.
func (e *Engine) DeleteMessage(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.DeleteMessage(id)
}

// SyncHistory pulls the server-side conversation history with a partner and
// reconciles each record; the store's upsert keying makes re-syncs idempotent.
func (e *Engine) SyncHistory(ctx context.Context, partnerID string) error {
	if partnerID == "" {
		return errors.New("delivery: partner id is required")
	}
	e.TrackConversation(partnerID)

	history, err := e.channel.FetchHistory(ctx, e.localUserID, partnerID)
	if err != nil {
		return fmt.Errorf("fetch history with %q: %w", partnerID, err)
	}
	for _, msg := range history {
		if err := e.Reconcile(ctx, msg); err != nil {
			return err
		}
	}
	e.log.WithFields(logrus.Fields{
		"partner": partnerID,
		"count":   len(history),
	}).Debug("history synced")
	return nil
}

// SetActiveConversation marks which partner's messages are currently viewed;
// their inbound messages trigger immediate read receipts.
func (e *Engine) SetActiveConversation(partnerID string) {
	e.activeMu.Lock()
	e.activePartner = partnerID
	if partnerID != "" {
		e.tracked[partnerID] = struct{}{}
	}
	e.activeMu.Unlock()
}

// ClearActiveConversation stops immediate read receipts; the conversation
// stays tracked for reconciliation.
func (e *Engine) ClearActiveConversation() {
	e.activeMu.Lock()
	e.activePartner = ""
	e.activeMu.Unlock()
}

// ActivePartner returns the currently viewed conversation partner, if any.
func (e *Engine) ActivePartner() string {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activePartner
}

// TrackConversation registers a partner whose messages belong in the local
// message list rather than background unread bookkeeping.
func (e *Engine) TrackConversation(partnerID string) {
	if partnerID == "" {
		return
	}
	e.activeMu.Lock()
	e.tracked[partnerID] = struct{}{}
	e.activeMu.Unlock()
}

func (e *Engine) isRelevant(msg transport.Inbound) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	if msg.SenderID == e.localUserID {
		_, ok := e.tracked[msg.ReceiverID]
		return ok
	}
	if msg.ReceiverID == e.localUserID {
		_, ok := e.tracked[msg.SenderID]
		return ok
	}
	return false
}

func (e *Engine) markFailed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.UpdateStatus(id, storage.StatusFailed); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.WithError(err).WithField("message_id", id).Error("mark failed errored")
	}
}

func inboundToRecord(msg transport.Inbound) storage.Message {
	return storage.Message{
		MessageID:     msg.ID,
		ClientID:      msg.ClientID,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Body:          msg.Body,
		ImageRef:      msg.ImageRef,
		TimestampSent: msg.Timestamp,
		SenderName:    msg.SenderName,
		Status:        storage.StatusSent,
		IsRead:        msg.IsRead,
		ReadAt:        msg.ReadAt,
	}
}
