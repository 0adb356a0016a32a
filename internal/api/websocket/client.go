package websocket

import (
	"encoding/json"
	"iter"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Peers only send small control messages.
	maxMessageSize = 4096
)

// Message types sent to the peer.
const (
	TypeFrame = "frame"
	TypeEnd   = "end"
	TypeError = "error"
)

// Message is one server-to-peer message.
type Message struct {
	Type  string        `json:"type"`
	Frame *models.Frame `json:"frame,omitempty"`
	Error string        `json:"error,omitempty"`
}

// control is a peer-to-server message. Only {"type":"stop"} is understood.
type control struct {
	Type string `json:"type"`
}

// Client is one playback stream.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// cancel stops the frame iterator's context.
	cancel func()
}

func newClient(conn *websocket.Conn, cancel func()) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// produce ranges over frames and queues them for writePump. It owns c.send.
func (c *Client) produce(frames iter.Seq2[*models.Frame, error]) {
	defer close(c.send)
	for f, err := range frames {
		if err != nil {
			c.enqueue(Message{Type: TypeError, Error: "playback interrupted"})
			return
		}
		if !c.enqueue(Message{Type: TypeFrame, Frame: f}) {
			return
		}
	}
	c.enqueue(Message{Type: TypeEnd})
}

func (c *Client) enqueue(m Message) bool {
	b, err := json.Marshal(m)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	}
}

// readPump handles pongs and stop requests; any read error ends the stream.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl control
		if json.Unmarshal(message, &ctl) == nil && ctl.Type == "stop" {
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopped"),
				time.Now().Add(writeWait))
			return

		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
