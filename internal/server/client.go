package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/poker"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/npezzotti/story-pointer/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	opQueueSize    = 32
)

// Client is one websocket connection and the poker session behind it.
// Operations are applied in arrival order by a single dispatcher.
type Client struct {
	conn     *websocket.Conn
	server   *PokerServer
	session  *poker.Session
	log      zerolog.Logger
	user     types.User
	send     chan *ServerMessage
	ops      chan *ClientMessage
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewClient(user types.User, conn *websocket.Conn, session *poker.Session, cs *PokerServer, l zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		server:  cs,
		session: session,
		log:     l,
		user:    user,
		send:    make(chan *ServerMessage, 256),
		ops:     make(chan *ClientMessage, opQueueSize),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	views := c.session.View().Subscribe(c.ctx)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.writeMessage(msg) {
				return
			}
		case v, ok := <-views:
			if !ok {
				return
			}
			if !c.writeMessage(ViewMessage(v)) {
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
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		if msg.op() == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			continue
		}
		c.enqueue(&msg)
	}
}

func (c *Client) enqueue(msg *ClientMessage) {
	select {
	case c.ops <- msg:
	default:
		c.log.Warn().Str("op", msg.op()).Msg("operation queue full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// Dispatch applies queued operations until the client stops.
func (c *Client) Dispatch() {
	for {
		select {
		case msg := <-c.ops:
			c.queueMessage(c.handle(c.ctx, msg))
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, msg *ClientMessage) *ServerMessage {
	log := c.log.With().Int("msg_id", msg.Id).Str("op", msg.op()).Logger()

	switch {
	case msg.Navigate != nil:
		if !poker.ValidRoomID(msg.Navigate.RoomId) {
			return ErrBadRequest(msg.Id, "invalid room id")
		}
		c.session.Navigate(msg.Navigate.RoomId)
		return NoErrAccepted(msg.Id)
	case msg.Home != nil:
		c.session.Home()
		return NoErrAccepted(msg.Id)
	case msg.NewRoom != nil:
		roomID, err := c.session.NewRoom(ctx)
		if err != nil {
			return c.errorResponse(log, msg.Id, err)
		}
		c.server.stats.Incr(stats.RoomsCreated)
		return NoErrOK(msg.Id, map[string]any{"room_id": roomID})
	case msg.Vote != nil:
		if err := c.session.Vote(ctx, msg.Vote.Option); err != nil {
			return c.errorResponse(log, msg.Id, err)
		}
		c.server.stats.Incr(stats.VotesCast)
		return NoErrOK(msg.Id, map[string]any{"option": msg.Vote.Option})
	case msg.Reset != nil:
		if err := c.session.Reset(ctx); err != nil {
			return c.errorResponse(log, msg.Id, err)
		}
		c.server.stats.Incr(stats.Resets)
		return NoErrAccepted(msg.Id)
	}

	return ErrInvalidMessage(msg.Id)
}

func (c *Client) errorResponse(log zerolog.Logger, id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, poker.ErrInvalidOption):
		return ErrBadRequest(id, err.Error())
	case errors.Is(err, poker.ErrNoRoom),
		errors.Is(err, poker.ErrNotHome),
		errors.Is(err, poker.ErrNotSignedIn):
		return ErrConflict(id, err.Error())
	case errors.Is(err, poker.ErrRoomNotFound), errors.Is(err, database.ErrNotFound):
		return ErrRoomNotFound(id)
	case errors.Is(err, context.Canceled):
		return ErrServiceUnavailable(id)
	}

	log.Error().Err(err).Msg("operation failed")
	return ErrInternalError(id)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) writeMessage(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// cleanup runs once the read pump exits. Closing the session removes the
// user's presence key, which lets the pruner drop them from their rooms.
func (c *Client) cleanup() {
	c.server.deregister(c)
	c.stopClient()

	if err := c.session.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing session")
	}
	c.server.sessions.Done()
}
