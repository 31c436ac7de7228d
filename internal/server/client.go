package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/swapchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

type Client struct {
	conn     *websocket.Conn
	gateway  *Gateway
	log      *log.Logger
	user     types.User
	send     chan *types.Envelope
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, g *Gateway, l *log.Logger) *Client {
	return &Client{
		conn:    conn,
		gateway: g,
		log:     l,
		user:    user,
		send:    make(chan *types.Envelope, sendQueueSize),
		stop:    make(chan struct{}),
	}
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.gateway.Unregister(c)
		c.stopClient()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0, ""))
			continue
		}

		c.gateway.dispatch(c, &env)
	}
}

// queueMessage enqueues msg without blocking. A full queue drops msg.
func (c *Client) queueMessage(msg *types.Envelope) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for %q, dropping %s", c.user.Username, msg.Event)
		return false
	}

	return true
}

func serializeMessage(msg *types.Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
