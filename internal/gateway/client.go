package gateway

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	maxMessageLen = 64 * 1024
)

// Client owns one websocket. All writes go through the send channel so a
// single goroutine (writePump) touches the connection.
type Client struct {
	UserID   int64
	SocketID string

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(userID int64, socketID string, conn *websocket.Conn) *Client {
	return &Client{
		UserID:   userID,
		SocketID: socketID,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Send queues payload for delivery. Drops when the client's buffer is
// full rather than blocking the caller.
func (c *Client) Send(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. Runs until Close or a write error.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
