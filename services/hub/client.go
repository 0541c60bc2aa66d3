package hub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents one live WebSocket connection. Its subscription state
// lives in the hub's indices; the client itself only carries identity and the
// outbound buffer.
type Client struct {
	ID     string
	UserID uint

	conn *websocket.Conn
	send chan []byte
}

// NewClient mints a client with a fresh connection id. The websocket
// connection is attached by the hub's upgrade path.
func NewClient(userID uint) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, SendBufferSize),
	}
}

// Send exposes the outbound buffer for delivery inspection
func (c *Client) Send() <-chan []byte {
	return c.send
}

// controlMessage is the client->server control frame format
type controlMessage struct {
	Type      string `json:"type"`
	SessionID uint   `json:"sessionId"`
}

// writePump pushes buffered messages to the connection and pings on the
// heartbeat interval. One writePump per connection; it owns all writes.
func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames until the connection dies or goes silent
// past the pong deadline, then disconnects the client from the hub.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Disconnect(c.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error on %s: %v", c.ID, err)
			}
			return
		}

		// Any traffic counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var cmd controlMessage
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.SendToConnection(c.ID, NewErrorEvent("malformed control message"))
			continue
		}

		switch cmd.Type {
		case "subscribe_session":
			if cmd.SessionID == 0 {
				h.SendToConnection(c.ID, NewErrorEvent("subscribe_session requires sessionId"))
				continue
			}
			if err := h.Subscribe(c.ID, cmd.SessionID); err != nil {
				h.SendToConnection(c.ID, NewErrorEvent(err.Error()))
			}
		case "unsubscribe_session":
			if cmd.SessionID == 0 {
				h.SendToConnection(c.ID, NewErrorEvent("unsubscribe_session requires sessionId"))
				continue
			}
			if err := h.Unsubscribe(c.ID, cmd.SessionID); err != nil {
				h.SendToConnection(c.ID, NewErrorEvent(err.Error()))
			}
		case "pong":
			// Textual heartbeat reply; deadline already extended above
		default:
			h.SendToConnection(c.ID, NewErrorEvent("unknown message type: "+cmd.Type))
		}
	}
}
