package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callisto-rtc/callisto/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 64 KB covers SDP-sized RTP
	// parameter blobs.
	maxMessageSize = 64 * 1024
)

// Client is a wrapper for a single websocket connection (a peer). It is
// the room package's Outbox for this peer: rooms push notifications through
// Deliver without ever owning the connection.
type Client struct {
	// ID doubles as the peer id inside whatever room the client joins.
	ID string

	logger     *slog.Logger
	dispatcher *Dispatcher
	conn       *websocket.Conn

	// send is drained by WritePump; all websocket writes happen there.
	send chan any

	sendMu     sync.Mutex
	sendClosed bool

	// roomID and joined are only touched from the connection's read
	// goroutine (Handle and Disconnect run inline from ReadPump).
	roomID string
	joined *room.Room
}

// Deliver queues a message for the connection. Fan-out is best effort: a
// client that stopped draining its buffer loses messages rather than
// stalling the room.
func (c *Client) Deliver(message any) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- message:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the websocket connection into the
// dispatcher.
//
// The application runs ReadPump in a per-connection goroutine. Dispatching
// inline from this loop is what guarantees a single client's commands are
// processed in arrival order.
func (c *Client) ReadPump() {
	defer func() {
		c.dispatcher.Disconnect(c)
		c.conn.Close()
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		c.dispatcher.Handle(c, raw)
	}
}

// WritePump pumps queued messages onto the websocket connection.
//
// A goroutine running WritePump is started for each connection; all writes
// to the connection happen from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
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
