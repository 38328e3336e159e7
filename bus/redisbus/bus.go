// Package redisbus carries broadcast frames over Redis Pub/Sub so tabs in different
// processes share one channel.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// DefaultPrefix namespaces Pub/Sub channels when no prefix is given.
const DefaultPrefix = "gas"

// Bus implements [goAuthSync.MessageBus]. Redis delivers a publisher's own frames back
// to it; the session service drops those by originId.
type Bus struct {
	redis  redis.UniversalClient
	prefix string
}

var _ goAuthSync.MessageBus = (*Bus)(nil)

// New returns a Bus on client.
func New(client redis.UniversalClient, prefix string) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{redis: client, prefix: prefix}
}

// Key returns the Redis channel used for channel.
func (b *Bus) Key(channel string) string {
	return b.prefix + ":bus:" + channel
}

// Open subscribes to channel and waits for the subscription to be confirmed, so a frame
// published right after Open returns is not missed.
func (b *Bus) Open(ctx context.Context, channel string, deliver func([]byte)) (goAuthSync.BusConn, error) {
	key := b.Key(channel)
	ps := b.redis.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", goAuthSync.ErrTransportUnavailable, err)
	}

	c := &conn{
		redis: b.redis,
		key:   key,
		ps:    ps,
		done:  make(chan struct{}),
	}
	go c.run(deliver)
	return c, nil
}

type conn struct {
	redis redis.UniversalClient
	key   string
	ps    *redis.PubSub
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *conn) run(deliver func([]byte)) {
	defer close(c.done)
	for msg := range c.ps.Channel() {
		deliver([]byte(msg.Payload))
	}
}

func (c *conn) Publish(ctx context.Context, data []byte) error {
	if err := c.redis.Publish(ctx, c.key, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrTransportUnavailable, err)
	}
	return nil
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ps.Close()
		<-c.done
	})
	return c.closeErr
}
