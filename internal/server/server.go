package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/poker"
	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/npezzotti/story-pointer/internal/types"
	"github.com/rs/zerolog"
)

var ErrShuttingDown = errors.New("server shutting down")

// PokerServer owns the websocket clients of this process. Each client gets
// its own poker session; rooms are shared only through the document store.
type PokerServer struct {
	log            zerolog.Logger
	store          database.Store
	presence       presence.Store
	stats          stats.StatsProvider
	policy         retry.Policy
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}

	// sessions counts clients whose session is still open.
	sessions sync.WaitGroup
}

type stopReq struct {
	done chan struct{}
}

func NewPokerServer(logger zerolog.Logger, store database.Store, pres presence.Store, su stats.StatsProvider, policy retry.Policy) (*PokerServer, error) {
	if store == nil || pres == nil {
		return nil, fmt.Errorf("document store and presence store are required")
	}

	for _, name := range []string{stats.ConnectedClients, stats.RoomsCreated, stats.VotesCast, stats.Resets} {
		su.RegisterMetric(name)
	}

	return &PokerServer{
		log:            logger,
		store:          store,
		presence:       pres,
		stats:          su,
		policy:         policy,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *PokerServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Info().Str("user_id", client.user.Id).Msg("adding connection")
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Info().Str("user_id", client.user.Id).Msg("removing connection")
			cs.removeClient(client)
		case req := <-cs.stop:
			cs.log.Info().Msg("stopping clients")
			close(cs.done)

			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			go func() {
				cs.sessions.Wait()
				close(req.done)
			}()
			return
		}
	}
}

// Serve starts a poker session for user on conn. The connection is owned
// by the server from here on.
func (cs *PokerServer) Serve(user types.User, conn *websocket.Conn) error {
	select {
	case <-cs.done:
		return ErrShuttingDown
	default:
	}

	pc, err := cs.presence.Connect(context.Background())
	if err != nil {
		return fmt.Errorf("connect presence: %w", err)
	}

	log := cs.log.With().
		Str("user_id", user.Id).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()
	session := poker.NewSession(cs.store, pc, cs.policy, log)
	session.SignIn(user.Id)

	c := NewClient(user, conn, session, cs, log)
	select {
	case cs.registerChan <- c:
	case <-cs.done:
		c.stopClient()
		session.Close()
		return ErrShuttingDown
	}

	go c.Write()
	go c.Dispatch()
	go c.Read()
	return nil
}

func (cs *PokerServer) deregister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *PokerServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.sessions.Add(1)
	cs.stats.Incr(stats.ConnectedClients)
}

func (cs *PokerServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.ConnectedClients)
	}
}

// NumClients returns the number of registered clients.
func (cs *PokerServer) NumClients() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// Shutdown stops every client and waits until their sessions are closed.
func (cs *PokerServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
