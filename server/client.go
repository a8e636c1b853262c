package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. Clients only send small
	// control frames.
	maxMessageSize = 4 * 1024

	// Per-client send buffer; a stalled client loses messages rather
	// than stalling the broadcaster
	clientSendBuffer = 64
)

// Client represents one WebSocket connection to the status feed
type Client struct {
	server    *AgentServer
	conn      *websocket.Conn
	send      chan interface{}
	id        string
	closeOnce sync.Once
}

// clientMessage is the small control vocabulary clients may send
type clientMessage struct {
	Type string `json:"type"`
}

// sendJSON queues a message for the client. Returns false when the send
// buffer is full and the message was dropped.
func (c *Client) sendJSON(msg interface{}) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump consumes control frames from the client until the connection
// drops
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Debugw("Ignoring malformed client message",
				"client_id", c.id,
				"error", err)
			continue
		}

		switch msg.Type {
		case "status_request":
			if snap, err := c.server.statusSnapshot(); err == nil {
				c.sendJSON(statusMessage{Type: "status", Status: snap})
			}
		case "ping":
			// Deadline already refreshed by the read itself
		default:
			c.server.logger.Debugw("Unknown message type",
				"type", msg.Type,
				"client_id", c.id)
		}
	}
}

// writePump writes queued messages and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Write error, dropping client",
					"client_id", c.id,
					"error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close safely closes the client's send channel, guarding against the
// register/unregister paths both reaching it
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
