package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Broadcaster relays chat messages from one connection to every other one.
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
}

func NewBroadcaster(registry *Registry, metrics *Metrics) *Broadcaster {
	if metrics == nil {
		metrics = registry.metrics
	}
	return &Broadcaster{registry: registry, metrics: metrics}
}

// Publish validates message and fans it out to all peers of senderID. The
// sender never gets its own message back; it already rendered it locally.
// Enqueueing is non-blocking, so successive calls for one sender reach each
// peer in call order.
func (b *Broadcaster) Publish(senderID string, message ChatMessage) error {
	sender, ok := b.registry.lookup(senderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, senderID)
	}
	message.normalize()
	if err := stampSender(&message, sender.Identity()); err != nil {
		b.metrics.IncRejected()
		return err
	}
	if err := message.Validate(); err != nil {
		b.metrics.IncRejected()
		return err
	}
	payload, err := encodeEvent(EventMessage, message)
	if err != nil {
		return err
	}
	delivered := b.registry.fanOut(senderID, payload)
	b.metrics.IncPublished(delivered)
	slog.Debug("message published", "connId", senderID, "messageId", message.ID, "kind", message.Kind, "peers", delivered)
	return nil
}

// HandleEvent decodes one inbound socket frame and dispatches it.
func (b *Broadcaster) HandleEvent(conn Connection, data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("invalid frame", "connId", conn.ID(), "error", err)
		b.metrics.IncRejected()
		notify(conn, ErrorNotice{Code: codeInvalidMessage, Message: "frame is not a json event"})
		return
	}
	switch envelope.Event {
	case EventMessage:
		message, err := decodeChatMessage(envelope.Data)
		if err != nil {
			b.metrics.IncRejected()
		} else {
			err = b.Publish(conn.ID(), message)
		}
		switch {
		case errors.Is(err, ErrInvalidMessage):
			slog.Info("message rejected", "connId", conn.ID(), "messageId", message.ID, "error", err)
			notify(conn, ErrorNotice{Code: codeInvalidMessage, Message: err.Error(), MessageID: message.ID})
		case err != nil:
			slog.Warn("publish failed", "connId", conn.ID(), "error", err)
		}
	default:
		slog.Debug("ignoring event", "connId", conn.ID(), "event", envelope.Event)
	}
}

// stampSender fills a missing sender from the connection identity and refuses
// messages that claim a different email than the one the connection joined with.
func stampSender(message *ChatMessage, identity Identity) error {
	if identity.Email == "" {
		return nil
	}
	if message.Email == "" {
		message.Email = identity.Email
	} else if message.Email != identity.Email {
		return fmt.Errorf("%w: sender %q does not match connection identity", ErrInvalidMessage, message.Email)
	}
	if message.AvatarURL == "" {
		message.AvatarURL = identity.AvatarURL
	}
	return nil
}

// notify sends a best-effort error event to a single connection.
func notify(conn Connection, notice ErrorNotice) {
	payload, err := encodeEvent(EventError, notice)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
