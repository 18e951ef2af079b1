package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/story-pointer/internal/stream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const closeTimeout = 5 * time.Second

// RedisStore keeps presence keys as Redis strings with a TTL. A Conn
// refreshes the TTL of its keys on every probe, so keys of a vanished
// process expire; keys of a closed Conn are deleted. Removals are read from
// keyspace notifications.
type RedisStore struct {
	rdb          *redis.Client
	ttl          time.Duration
	pingInterval time.Duration
	log          zerolog.Logger
}

func NewRedisStore(rdb *redis.Client, ttl, pingInterval time.Duration, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		ttl:          ttl,
		pingInterval: pingInterval,
		log:          log.With().Str("component", "presence").Logger(),
	}
}

func (s *RedisStore) Connect(ctx context.Context) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		store:     s,
		connected: stream.NewLatest[bool](equalBool),
		keys:      make(map[string]bool),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.probe(ctx)
	go c.run(connCtx)

	return c, nil
}

func (s *RedisStore) Removals(ctx context.Context) (<-chan string, error) {
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Egx").Err(); err != nil {
		s.log.Warn().Err(err).Msg("could not enable keyspace events; the server must be configured with notify-keyspace-events Egx")
	}

	db := s.rdb.Options().DB
	sub := s.rdb.Subscribe(ctx,
		fmt.Sprintf("__keyevent@%d__:del", db),
		fmt.Sprintf("__keyevent@%d__:expired", db),
	)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to keyspace events: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisConn struct {
	store     *RedisStore
	connected *stream.Latest[bool]

	mu sync.Mutex
	// keys maps each registered key to whether it has been set.
	keys   map[string]bool
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *redisConn) Connected() *stream.Latest[bool] {
	return c.connected
}

func (c *redisConn) run(ctx context.Context) {
	defer close(c.done)

	t := time.NewTicker(c.store.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.probe(ctx)
		}
	}
}

// probe pings the server and refreshes the TTL of every set key. A key that
// vanished while the connection looked healthy counts as a disconnect, so
// the owner re-registers it on the next successful probe.
func (c *redisConn) probe(ctx context.Context) {
	if err := c.store.rdb.Ping(ctx).Err(); err != nil {
		if ctx.Err() == nil {
			c.store.log.Debug().Err(err).Msg("presence probe failed")
		}
		c.connected.Publish(false)
		return
	}

	c.mu.Lock()
	var set []string
	for key, isSet := range c.keys {
		if isSet {
			set = append(set, key)
		}
	}
	c.mu.Unlock()

	for _, key := range set {
		ok, err := c.store.rdb.Expire(ctx, key, c.store.ttl).Result()
		if err != nil {
			c.connected.Publish(false)
			return
		}
		if !ok {
			c.store.log.Warn().Str("key", key).Msg("presence key lost")
			c.mu.Lock()
			c.keys[key] = false
			c.mu.Unlock()
			c.connected.Publish(false)
			return
		}
	}

	c.connected.Publish(true)
}

func (c *redisConn) OnDisconnectRemove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if _, ok := c.keys[key]; !ok {
		c.keys[key] = false
	}
	return nil
}

func (c *redisConn) Set(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	_, registered := c.keys[key]
	c.mu.Unlock()

	if err := c.store.rdb.Set(ctx, key, true, c.store.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	if registered {
		c.mu.Lock()
		c.keys[key] = true
		c.mu.Unlock()
	}
	return nil
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := make([]string, 0, len(c.keys))
	for key := range c.keys {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
	c.connected.Publish(false)

	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.store.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("remove presence keys: %w", err)
	}
	return nil
}
