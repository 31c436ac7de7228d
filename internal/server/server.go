package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/swapchat/internal/stats"
	"github.com/npezzotti/swapchat/internal/types"
)

var ErrGatewayClosed = errors.New("gateway is shut down")

// RoomAuthorizer decides whether a user may join a thread room.
type RoomAuthorizer interface {
	CanJoinThread(ctx context.Context, userId, threadId string) (bool, error)
}

type handlerFunc func(c *Client, env *types.Envelope) error

type Option func(*Gateway)

func WithRoomAuthorizer(a RoomAuthorizer) Option {
	return func(g *Gateway) {
		g.authorizer = a
	}
}

// Gateway relays named events between authenticated websocket clients.
type Gateway struct {
	log         *log.Logger
	rooms       *RoomRegistry
	stats       stats.StatsProvider
	authorizer  RoomAuthorizer
	handlers    map[string]handlerFunc
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	clientsWg   sync.WaitGroup
	closed      bool
}

func NewGateway(logger *log.Logger, rooms *RoomRegistry, su stats.StatsProvider, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		log:     logger,
		rooms:   rooms,
		stats:   su,
		clients: make(map[*Client]struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.handlers = map[string]handlerFunc{
		types.EventJoinThreadRoom:   handle(g.joinThreadRoom),
		types.EventLeaveThreadRoom:  handle(g.leaveThreadRoom),
		types.EventTypingStart:      handle(g.typingStart),
		types.EventTypingStop:       handle(g.typingStop),
		types.EventCallInitiate:     handle(g.callInitiate),
		types.EventCallAccepted:     handle(g.callAccepted),
		types.EventCallRejected:     handle(g.callRejected),
		types.EventCallOffer:        handle(g.callOffer),
		types.EventCallAnswer:       handle(g.callAnswer),
		types.EventCallIceCandidate: handle(g.callIceCandidate),
		types.EventCallEnd:          handle(g.callEnd),
	}

	if err := g.checkHandlers(); err != nil {
		return nil, err
	}

	for _, m := range stats.Metrics {
		g.stats.RegisterMetric(m)
	}

	return g, nil
}

// checkHandlers verifies the handler table covers exactly the client events.
func (g *Gateway) checkHandlers() error {
	known := make(map[string]struct{}, len(types.ClientEvents))
	for _, ev := range types.ClientEvents {
		known[ev] = struct{}{}
		if _, ok := g.handlers[ev]; !ok {
			return fmt.Errorf("no handler registered for event %q", ev)
		}
	}

	for ev := range g.handlers {
		if _, ok := known[ev]; !ok {
			return fmt.Errorf("handler registered for unknown event %q", ev)
		}
	}

	return nil
}

// handle decodes and validates the event data before calling fn.
func handle[P types.Payload](fn func(c *Client, env *types.Envelope, p P) error) handlerFunc {
	return func(c *Client, env *types.Envelope) error {
		var p P
		if len(env.Data) == 0 {
			return types.ErrInvalidPayload
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return fn(c, env, p)
	}
}

var errForbidden = errors.New("forbidden")

func (g *Gateway) dispatch(c *Client, env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Printf("panic handling %q from %q: %v", env.Event, c.user.Username, r)
			c.queueMessage(ErrInternalError(env.Id, env.Event))
		}
	}()

	h, ok := g.handlers[env.Event]
	if !ok {
		c.queueMessage(ErrUnknownEvent(env.Id, env.Event))
		return
	}

	if err := h(c, env); err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidPayload):
			c.queueMessage(ErrInvalidPayload(env.Id, env.Event, err))
		case errors.Is(err, errForbidden):
			c.queueMessage(ErrForbidden(env.Id, env.Event))
		default:
			g.log.Printf("handle %q from %q: %v", env.Event, c.user.Username, err)
			c.queueMessage(ErrInternalError(env.Id, env.Event))
		}
	}
}

// Serve creates a client for an upgraded connection, registers it and starts
// its pumps.
func (g *Gateway) Serve(conn *websocket.Conn, user types.User) (*Client, error) {
	c := NewClient(user, conn, g, g.log)
	if err := g.Register(c); err != nil {
		return nil, err
	}

	go c.Write()
	go c.Read()
	return c, nil
}

// Register tracks c and joins it to its user's personal room.
func (g *Gateway) Register(c *Client) error {
	g.clientsLock.Lock()
	if g.closed {
		g.clientsLock.Unlock()
		return ErrGatewayClosed
	}
	g.clients[c] = struct{}{}
	g.clientsWg.Add(1)
	g.clientsLock.Unlock()

	g.log.Printf("adding connection from %q", c.user.Username)
	g.stats.Incr(stats.NumActiveClients)
	g.join(PersonalRoom(c.user.Id), c)
	return nil
}

// Unregister removes c from every room. Calling it more than once is safe.
func (g *Gateway) Unregister(c *Client) {
	g.clientsLock.Lock()
	if _, ok := g.clients[c]; !ok {
		g.clientsLock.Unlock()
		return
	}
	delete(g.clients, c)
	g.clientsLock.Unlock()

	g.log.Printf("removing connection from %q", c.user.Username)
	for range g.rooms.LeaveAll(c) {
		g.stats.Decr(stats.NumActiveRooms)
	}
	g.stats.Decr(stats.NumActiveClients)
	g.clientsWg.Done()
}

func (g *Gateway) join(room string, c *Client) {
	if g.rooms.Join(room, c) {
		g.stats.Incr(stats.NumActiveRooms)
	}
}

func (g *Gateway) leave(room string, c *Client) {
	if g.rooms.Leave(room, c) {
		g.stats.Decr(stats.NumActiveRooms)
	}
}

// EmitToRoom delivers event to every member of room except skip. Members
// absent or with a full queue miss the event.
func (g *Gateway) EmitToRoom(room, event string, payload any, skip *Client) (int, error) {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}

	n := g.rooms.Broadcast(room, env, skip)
	if n > 0 {
		g.stats.Incr(stats.NumEventsRelayed)
	}
	return n, nil
}

func (g *Gateway) EmitToUser(userId, event string, payload any, skip *Client) (int, error) {
	return g.EmitToRoom(PersonalRoom(userId), event, payload, skip)
}

func (g *Gateway) EmitToThread(threadId, event string, payload any, skip *Client) (int, error) {
	return g.EmitToRoom(ThreadRoom(threadId), event, payload, skip)
}

// RoomSize returns the number of connections currently joined to room.
func (g *Gateway) RoomSize(room string) int {
	return len(g.rooms.Members(room))
}

// Shutdown stops every client and waits for them to unregister.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.log.Println("received shutdown signal")

	g.clientsLock.Lock()
	g.closed = true
	for c := range g.clients {
		c.stopClient()
	}
	g.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		g.clientsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
