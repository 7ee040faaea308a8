package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/lifecycle"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of frames queued per client before pushes
	// start failing.
	sendBuffer = 64
)

// Dispatcher runs lifecycle commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req lifecycle.Request) lifecycle.Response
}

// controlMessage is the JSON frame a client sends to manage its topics.
type controlMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// NewClient creates a Client with a fresh connection id.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
	}
}

// ReadPump reads control frames and hands subscribe and unsubscribe commands
// to d, each under its own timeout. When the socket closes the client is
// unregistered and a disconnect is dispatched.
func (c *Client) ReadPump(d Dispatcher, opTimeout time.Duration) {
	logger := c.hub.logger.With(zap.String("connection_id", c.ID))
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		d.Dispatch(ctx, lifecycle.Request{RouteKey: lifecycle.RouteDisconnect, ConnectionID: c.ID})
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			logger.Debug("invalid control message", zap.Error(err))
			c.reply(notify.ErrorFrame("Invalid message body", time.Now()))
			continue
		}

		switch cm.Action {
		case lifecycle.RouteSubscribe, lifecycle.RouteUnsubscribe:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			resp := d.Dispatch(ctx, lifecycle.Request{
				RouteKey:     cm.Action,
				ConnectionID: c.ID,
				Body:         msg,
			})
			cancel()
			if resp.StatusCode >= 300 {
				logger.Debug("command rejected", zap.String("action", cm.Action), zap.Int("status", resp.StatusCode))
			}
		default:
			c.reply(notify.ErrorFrame("Unknown action", time.Now()))
		}
	}
}

// reply pushes a frame generated by the transport itself.
func (c *Client) reply(msg notify.Message) {
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	c.hub.Push(context.Background(), c.ID, payload)
}

// WritePump pumps messages from the client's send channel to the WebSocket
// connection. It runs in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
