package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single write to the peer. A stalled client is
	// disconnected rather than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong after sending a ping before
	// the connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time to
	// reply before the read deadline fires.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send close/pong
	// frames, so a small limit is enough.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that lets
	// it fill up is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin checks are
// the reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected WebSocket peer. Each client runs two goroutines:
// readPump detects disconnection and handles pong frames, writePump
// serialises outgoing messages onto the wire.
//
// The send channel is the handoff point between Hub.Publish and the
// writePump. The hub closes it on unregister, which makes writePump drain
// and exit.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// topics is fixed at connection time from query parameters.
	// Read-only after initialisation, so no synchronisation is needed.
	topics []string

	log *zap.Logger
}

// NewClient upgrades the HTTP connection and builds a Client subscribed to
// the given topics. Returns an error if the handshake fails; the upgrader has
// already written the error response in that case.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		log:    log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and starts both pumps. It blocks
// until the connection closes, which is the expected shape for a WebSocket
// HTTP handler.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames. Its job is to notice disconnection and
// reset the read deadline on every pong; the protocol is server-push only,
// so application frames from the client are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("ws: set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic pings. It is the only goroutine writing to conn; gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ws: set write deadline", zap.Error(err))
				return
			}
			if !ok {
				// The hub closed the channel on unregister.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ws: set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
