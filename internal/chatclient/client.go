// Package chatclient is a small Go client for the livechat socket and upload
// endpoints. The CLI and the end-to-end tests use it.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	intrnl "livechat/internal"
)

// Config controls how the client connects.
type Config struct {
	URL              string
	Email            string
	AvatarURL        string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Event is one decoded server event. Exactly one of Message, Count or Error is
// meaningful, depending on Name.
type Event struct {
	Name    string
	Message intrnl.ChatMessage
	Count   int
	Error   intrnl.ErrorNotice
}

var errNotConnected = errors.New("not connected")

// Client is a single socket session.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial opens the socket, presenting the configured identity, and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("empty URL")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	if cfg.Email != "" {
		query.Set("email", cfg.Email)
	}
	if cfg.AvatarURL != "" {
		query.Set("image", cfg.AvatarURL)
	}
	u.RawQuery = query.Encode()

	dialCtx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		conn:   ws,
		events: make(chan Event, 64),
		cancel: cancel,
	}
	go c.readLoop(runCtx)
	return c, nil
}

// Events delivers server events in arrival order. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendMessage publishes a chat message.
func (c *Client) SendMessage(ctx context.Context, message intrnl.ChatMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errNotConnected
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.conn, intrnl.Envelope{Event: intrnl.EventMessage, Data: data})
}

// SendText publishes a text message with the given client-minted id.
func (c *Client) SendText(ctx context.Context, messageID, body string) error {
	return c.SendMessage(ctx, intrnl.ChatMessage{
		ID:        messageID,
		Kind:      intrnl.KindText,
		Body:      body,
		Email:     c.cfg.Email,
		AvatarURL: c.cfg.AvatarURL,
	})
}

// Close shuts down the client and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close(websocket.StatusNormalClosure, "client close")
	c.cancel()
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		var envelope intrnl.Envelope
		if err := wsjson.Read(ctx, c.conn, &envelope); err != nil {
			if !isExpectedDisconnect(ctx, err) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		event, err := decodeEvent(envelope)
		if err != nil {
			continue
		}
		select {
		case c.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func decodeEvent(envelope intrnl.Envelope) (Event, error) {
	event := Event{Name: envelope.Event}
	var target any
	switch envelope.Event {
	case intrnl.EventMessage:
		target = &event.Message
	case intrnl.EventLiveUsersCount:
		target = &event.Count
	case intrnl.EventError:
		target = &event.Error
	default:
		return event, fmt.Errorf("unknown event %q", envelope.Event)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return event, fmt.Errorf("decode %s: %w", envelope.Event, err)
	}
	return event, nil
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
