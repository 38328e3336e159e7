// Package memory is an in-process broadcast transport. Every connection opened on the
// same Hub and channel name is a sibling tab.
package memory

import (
	"context"
	"errors"
	"sync"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// ErrClosed is returned by Publish on a closed connection.
var ErrClosed = errors.New("memory bus connection closed")

// Hub fans frames out to the connections of each channel.
//
// Delivery is synchronous on the publisher's goroutine, in connection-open order, and
// never includes the publishing connection itself.
type Hub struct {
	mu       sync.RWMutex
	channels map[string][]*conn
}

var _ goAuthSync.MessageBus = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string][]*conn)}
}

type conn struct {
	hub     *Hub
	channel string
	deliver func([]byte)

	mu     sync.RWMutex
	closed bool
}

// Open joins channel. It never fails.
func (h *Hub) Open(_ context.Context, channel string, deliver func([]byte)) (goAuthSync.BusConn, error) {
	c := &conn{hub: h, channel: channel, deliver: deliver}
	h.mu.Lock()
	h.channels[channel] = append(h.channels[channel], c)
	h.mu.Unlock()
	return c, nil
}

// Peers reports the number of open connections on channel.
func (h *Hub) Peers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) snapshot(channel string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := h.channels[channel]
	out := make([]*conn, len(peers))
	copy(out, peers)
	return out
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.channels[c.channel]
	for i, p := range peers {
		if p == c {
			peers = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(h.channels, c.channel)
		return
	}
	h.channels[c.channel] = peers
}

func (c *conn) Publish(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	for _, peer := range c.hub.snapshot(c.channel) {
		if peer == c {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		peer.receive(data)
	}
	return nil
}

func (c *conn) receive(data []byte) {
	if c.isClosed() {
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.deliver(frame)
}

func (c *conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.hub.remove(c)
	return nil
}
