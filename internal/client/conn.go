package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/swapchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pingWait       = 75 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
	eventQueueSize = 64
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrUnauthorized = errors.New("credential rejected by server")
	ErrQueueFull    = errors.New("send queue full")
)

// Emitter sends a named event to the gateway.
type Emitter interface {
	Emit(event string, payload any) error
}

// EventHandler consumes server events. HandleEvent reports whether it
// recognized the event.
type EventHandler interface {
	HandleEvent(env *types.Envelope) bool
}

// Conn is an authenticated realtime connection to the gateway.
type Conn struct {
	conn      *websocket.Conn
	log       *log.Logger
	send      chan *types.Envelope
	events    chan *types.Envelope
	stop      chan struct{}
	stopOnce  sync.Once
	readDone  chan struct{}
	writeDone chan struct{}
}

// WebsocketURL derives the gateway endpoint from the REST base URL.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Dial opens the gateway connection, presenting token as a bearer credential.
func Dial(ctx context.Context, baseURL, token string, logger *log.Logger) (*Conn, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := newConn(conn, logger)
	go c.write()
	go c.read()
	return c, nil
}

func newConn(conn *websocket.Conn, logger *log.Logger) *Conn {
	return &Conn{
		conn:      conn,
		log:       logger,
		send:      make(chan *types.Envelope, sendQueueSize),
		events:    make(chan *types.Envelope, eventQueueSize),
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// Emit queues an event for delivery without blocking.
func (c *Conn) Emit(event string, payload any) error {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.stop:
		return ErrClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events yields server events until the connection closes.
func (c *Conn) Events() <-chan *types.Envelope {
	return c.events
}

// Done is closed once the read side of the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.readDone
}

// Run passes every event to the first handler that recognizes it until the
// connection closes or ctx is done.
func (c *Conn) Run(ctx context.Context, handlers ...EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-c.events:
			if !ok {
				return ErrClosed
			}
			c.dispatch(env, handlers)
		}
	}
}

func (c *Conn) dispatch(env *types.Envelope, handlers []EventHandler) {
	if env.Event == types.EventError {
		var notice types.ErrorNotice
		if err := json.Unmarshal(env.Data, &notice); err == nil {
			c.log.Printf("server rejected %q: %s (%d)", notice.Event, notice.Message, notice.Code)
			return
		}
	}

	for _, h := range handlers {
		if h.HandleEvent(env) {
			return
		}
	}
	c.log.Printf("unhandled event %q", env.Event)
}

// Close sends a close frame and waits for both pumps to finish.
func (c *Conn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.writeDone
	<-c.readDone
	return nil
}

func (c *Conn) write() {
	defer func() {
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Printf("write %s: %v", env.Event, err)
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.readDone:
			return
		}
	}
}

func (c *Conn) read() {
	defer func() {
		close(c.events)
		close(c.readDone)
		c.stopOnce.Do(func() { close(c.stop) })
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pingWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.log.Println("error parsing event:", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		select {
		case c.events <- &env:
		case <-c.stop:
			return
		}
	}
}
