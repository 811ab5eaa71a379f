package internal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// Client wraps a single websocket connection and a buffered send queue that a
// dedicated writer goroutine drains.
type Client struct {
	id        string
	identity  Identity
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, identity Identity, conn *websocket.Conn) *Client {
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (client *Client) ID() string { return client.id }

func (client *Client) Identity() Identity { return client.identity }

// Send queues payload without blocking. A full queue means the peer is not
// reading fast enough.
func (client *Client) Send(payload []byte) error {
	select {
	case <-client.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case client.send <- payload:
		return nil
	case <-client.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer, which sends a close frame and tears down the socket.
func (client *Client) Close() error {
	client.closeOnce.Do(func() {
		close(client.done)
	})
	return nil
}

func (client *Client) readPump(server *Server) {
	defer func() {
		server.registry.Deregister(client.id)
		_ = client.Close()
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("read error", "connId", client.id, "error", err)
			}
			return
		}
		if !server.messageLimiter.Allow(client.id) {
			server.metrics.IncRateLimited()
			notify(client, ErrorNotice{
				Code:    codeRateLimited,
				Message: "You're sending messages too quickly. Please wait a moment and try again.",
			})
			continue
		}
		server.broadcaster.HandleEvent(client, payload)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
