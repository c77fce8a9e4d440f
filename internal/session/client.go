package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one attached player stream. The session owns the entry;
// only ids and the non-owning conn handle cross the boundary, so
// closing the stream severs both sides.
type Client struct {
	ClientID     string
	PersistentID string
	IP           string
	Username     string
	Cosmetics    json.RawMessage
	IdentityID   string
	Roles        []string

	LastPing     time.Time
	LastTurn     int
	Disconnected bool

	// hashes holds the client's posted simulation hashes by turn
	// number; pruned as turns age out.
	hashes map[int]uint64

	hasVoted bool

	// mu guards conn, send, and closed. The send channel is closed
	// exactly once per attached stream so the write pump always exits.
	mu     sync.Mutex
	closed bool
	conn   *websocket.Conn
	send   chan []byte
}

// NewClient wraps a fresh stream in a client entry
func NewClient(clientID, persistentID, ip, username string, conn *websocket.Conn) *Client {
	return &Client{
		ClientID:     clientID,
		PersistentID: persistentID,
		IP:           ip,
		Username:     username,
		LastPing:     time.Now(),
		hashes:       make(map[int]uint64),
		conn:         conn,
		send:         make(chan []byte, 256),
	}
}

// Send queues a message for the write pump without blocking; a full
// buffer drops the message rather than stalling the session loop.
func (c *Client) Send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-serialized bytes. A no-op after Close.
func (c *Client) SendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump drains the send channel onto the wire until the channel
// closes. The channel and conn are captured up front so a concurrent
// Attach cannot retarget a running pump.
func (c *Client) WritePump() {
	c.mu.Lock()
	ch := c.send
	conn := c.conn
	c.mu.Unlock()

	defer conn.Close()

	for {
		message, ok := <-ch
		if !ok {
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		conn.WriteMessage(websocket.TextMessage, message)
	}
}

// Close sends a close frame with the given code and reason, then tears
// down the connection and releases the write pump. Idempotent.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// Attach replaces the stream handle on reconnect. The old conn is
// closed and its send channel released so the prior pump exits;
// exactly one stream serves the client.
func (c *Client) Attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	if !c.closed {
		close(c.send)
	}
	c.conn = conn
	c.send = make(chan []byte, 256)
	c.closed = false
	c.LastPing = time.Now()
	c.Disconnected = false
}
