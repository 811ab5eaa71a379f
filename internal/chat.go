package internal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the content type of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// event names used on the socket
const (
	EventMessage        = "message"
	EventLiveUsersCount = "liveUsersCount"
	EventError          = "error"
)

// Identity is what the client presents at connect time. The server trusts it
// as given; it is supplied by the external sign-in provider.
type Identity struct {
	Email     string `json:"email"`
	AvatarURL string `json:"image"`
}

// ChatMessage is the json body of a "message" event in both directions.
type ChatMessage struct {
	ID        string `json:"messageId,omitempty"`
	Kind      Kind   `json:"type,omitempty"`
	Body      string `json:"message,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	Email     string `json:"email"`
	AvatarURL string `json:"image,omitempty"`
	Uploading bool   `json:"uploading,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
}

// Envelope frames every socket payload as a named event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorNotice is sent to a single connection when one of its events is rejected.
type ErrorNotice struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// normalize fills in the kind for payloads from clients that only send a body.
func (m *ChatMessage) normalize() {
	if m.Kind == "" && m.MediaURL == "" && m.Body != "" {
		m.Kind = KindText
	}
}

// Validate reports whether the message is fit to be delivered to peers.
func (m ChatMessage) Validate() error {
	if m.Uploading || m.Failed {
		return fmt.Errorf("%w: message is not resolved", ErrInvalidMessage)
	}
	switch m.Kind {
	case KindText:
		if strings.TrimSpace(m.Body) == "" {
			return fmt.Errorf("%w: text message has an empty body", ErrInvalidMessage)
		}
	case KindImage, KindVideo:
		mediaURL := strings.TrimSpace(m.MediaURL)
		if mediaURL == "" {
			return fmt.Errorf("%w: %s message has no media url", ErrInvalidMessage, m.Kind)
		}
		// blob: urls only resolve inside the sender's browser
		if strings.HasPrefix(strings.ToLower(mediaURL), "blob:") {
			return fmt.Errorf("%w: media url is a local preview", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

func encodeEvent(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func decodeChatMessage(data json.RawMessage) (ChatMessage, error) {
	var message ChatMessage
	if len(data) == 0 {
		return message, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, &message); err != nil {
		return message, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	message.normalize()
	return message, nil
}
