package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	reconnectMaxInterval = 30 * time.Second
)

// WSChannel implements Channel over one WebSocket connection to the chat
// server, reconnecting with exponential backoff when the link drops.
type WSChannel struct {
	baseURL string
	wsURL   string
	userID  string

	httpClient *http.Client
	dialer     *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool

	handlersMu sync.RWMutex
	handlers   Handlers

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log *logrus.Entry
}

// NewWSChannel builds a channel against an http(s) base URL. The realtime
// endpoint is derived as <base>/ws with the matching ws(s) scheme.
func NewWSChannel(baseURL, userID string, log *logrus.Logger) (*WSChannel, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}

	wsParsed := *parsed
	if parsed.Scheme == "https" {
		wsParsed.Scheme = "wss"
	} else {
		wsParsed.Scheme = "ws"
	}
	wsParsed.Path = strings.TrimRight(wsParsed.Path, "/") + "/ws"

	if log == nil {
		log = logrus.StandardLogger()
	}

	return &WSChannel{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		wsURL:      wsParsed.String(),
		userID:     userID,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		dialer:     websocket.DefaultDialer,
		stop:       make(chan struct{}),
		log:        log.WithField("component", "transport"),
	}, nil
}

// Start launches the connect/read loop. It returns immediately; connection
// state is reported through the OnConnectionState handler.
func (c *WSChannel) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the connection down and stops reconnecting.
func (c *WSChannel) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.writeMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// SetHandlers registers inbound signal handlers. Call before Start.
func (c *WSChannel) SetHandlers(handlers Handlers) {
	c.handlersMu.Lock()
	c.handlers = handlers
	c.handlersMu.Unlock()
}

// Connected reports whether the realtime link is currently up.
func (c *WSChannel) Connected() bool {
	return c.connected.Load()
}

// EmitMessage hands one outbound message to the transport. Fire-and-forget:
// a nil return is not a delivery guarantee.
func (c *WSChannel) EmitMessage(ctx context.Context, message Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeJSON(outboundFrame{
		Type:       TypeMessage,
		Body:       message.Body,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		ClientID:   message.ClientID,
		ImageRef:   message.ImageRef,
	})
}

// EmitReadReceipt reports a batch of message ids as read by readerID.
func (c *WSChannel) EmitReadReceipt(ctx context.Context, ids []string, readerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return c.writeJSON(readReceiptFrame{
		Type:       TypeReadReceipt,
		MessageIDs: ids,
		ReaderID:   readerID,
	})
}

// UploadImage posts image bytes to the server and returns the remote reference.
func (c *WSChannel) UploadImage(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("image data is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", strings.NewReader(string(data)))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload image: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return result.URL, nil
}

// FetchHistory loads the server-side conversation history between two users.
func (c *WSChannel) FetchHistory(ctx context.Context, myID, otherID string) ([]Inbound, error) {
	endpoint := fmt.Sprintf("%s/messages?from=%s&to=%s",
		c.baseURL, url.QueryEscape(myID), url.QueryEscape(otherID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: server returned %d", resp.StatusCode)
	}

	var messages []Inbound
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return messages, nil
}

func (c *WSChannel) run() {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = reconnectMaxInterval
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.wsURL, nil)
		if err != nil {
			wait := policy.NextBackOff()
			c.log.WithError(err).WithField("retry_in", wait).Debug("websocket dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-c.stop:
				return
			}
		}

		policy.Reset()
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()

		if err := c.writeJSONConn(conn, registerFrame{Type: TypeRegister, UserID: c.userID}); err != nil {
			c.log.WithError(err).Warn("register frame failed")
			_ = conn.Close()
			continue
		}

		c.setConnected(true)
		c.readPump(conn)
		c.setConnected(false)
		_ = conn.Close()
	}
}

func (c *WSChannel) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
			default:
				c.log.WithError(err).Debug("websocket read failed")
			}
			return
		}
		c.dispatch(payload)
	}
}

func (c *WSChannel) dispatch(payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.log.WithError(err).Warn("drop undecodable frame")
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()

	switch envelope.Type {
	case TypeMessage:
		var frame messageFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.log.WithError(err).Warn("drop malformed message frame")
			return
		}
		if handlers.OnMessage != nil {
			handlers.OnMessage(frame.Inbound)
		}
	case TypeReadReceipt:
		var frame readReceiptFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.log.WithError(err).Warn("drop malformed read receipt frame")
			return
		}
		if handlers.OnReadReceipt != nil {
			handlers.OnReadReceipt(frame.MessageIDs)
		}
	default:
		c.log.WithField("frame_type", envelope.Type).Debug("ignore unknown frame")
	}
}

func (c *WSChannel) writeJSON(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.connected.Load() || c.conn == nil {
		return ErrNotConnected
	}
	return c.writeJSONLocked(c.conn, frame)
}

func (c *WSChannel) writeJSONConn(conn *websocket.Conn, frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeJSONLocked(conn, frame)
}

func (c *WSChannel) writeJSONLocked(conn *websocket.Conn, frame any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *WSChannel) setConnected(connected bool) {
	if c.connected.Swap(connected) == connected {
		return
	}
	c.log.WithField("connected", connected).Info("connection state changed")

	c.handlersMu.RLock()
	handler := c.handlers.OnConnectionState
	c.handlersMu.RUnlock()
	if handler != nil {
		handler(connected)
	}
}
