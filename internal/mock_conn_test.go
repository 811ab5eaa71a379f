package internal

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockConn struct {
	id       string
	identity Identity
	received [][]byte
	closed   bool
	sendErr  error
	mu       sync.Mutex
}

func newMockConn(id, email string) *mockConn {
	return &mockConn{id: id, identity: Identity{Email: email, AvatarURL: "https://img.example/" + id}}
}

func (m *mockConn) ID() string         { return m.id }
func (m *mockConn) Identity() Identity { return m.identity }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// events decodes everything the connection received with the given name.
func (m *mockConn) events(t *testing.T, name string) []json.RawMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range m.received {
		var envelope Envelope
		require.NoError(t, json.Unmarshal(raw, &envelope))
		if envelope.Event == name {
			out = append(out, envelope.Data)
		}
	}
	return out
}

func (m *mockConn) counts(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, raw := range m.events(t, EventLiveUsersCount) {
		var count int
		require.NoError(t, json.Unmarshal(raw, &count))
		out = append(out, count)
	}
	return out
}

func (m *mockConn) messages(t *testing.T) []ChatMessage {
	t.Helper()
	var out []ChatMessage
	for _, raw := range m.events(t, EventMessage) {
		var message ChatMessage
		require.NoError(t, json.Unmarshal(raw, &message))
		out = append(out, message)
	}
	return out
}

func (m *mockConn) notices(t *testing.T) []ErrorNotice {
	t.Helper()
	var out []ErrorNotice
	for _, raw := range m.events(t, EventError) {
		var notice ErrorNotice
		require.NoError(t, json.Unmarshal(raw, &notice))
		out = append(out, notice)
	}
	return out
}
