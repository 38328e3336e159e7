// Package wsbus carries broadcast frames through a WebSocket relay. Relay is the server
// side (an http.Handler); Bus is the tab side.
package wsbus

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSendQueueSize = 64
	defaultWriteTimeout  = 5 * time.Second
	defaultMaxFrameBytes = 64 << 10
)

// RelayOptions tunes a Relay. Zero values select the defaults.
type RelayOptions struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
	OriginPatterns []string
	// InsecureSkipVerify disables the origin check. Development only.
	InsecureSkipVerify bool
}

// Relay fans every frame it reads from a connection out to every other connection on
// the same channel. Frames are opaque to the relay; tabs validate them.
//
// The channel is the chi URL parameter "channel" when routed through chi, else the last
// path segment.
type Relay struct {
	logger *log.Logger
	opts   RelayOptions

	mu       sync.RWMutex
	channels map[string]map[*peer]struct{}

	dropped atomic.Uint64
}

// NewRelay returns a Relay. A nil logger discards output.
func NewRelay(logger *log.Logger, opts RelayOptions) *Relay {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	return &Relay{
		logger:   logger,
		opts:     opts,
		channels: make(map[string]map[*peer]struct{}),
	}
}

type peer struct {
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Peers reports the number of connections on channel.
func (r *Relay) Peers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// Dropped reports frames dropped because a receiver's queue was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	if channel == "" {
		channel = path.Base(req.URL.Path)
	}
	if channel == "" || channel == "/" || channel == "." {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns:     r.opts.OriginPatterns,
		InsecureSkipVerify: r.opts.InsecureSkipVerify,
	})
	if err != nil {
		r.logger.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(r.opts.MaxFrameBytes)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	p := &peer{
		send: make(chan []byte, r.opts.SendQueueSize),
		done: make(chan struct{}),
	}
	r.join(channel, p)
	defer func() {
		r.leave(channel, p)
		p.close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case frame := <-p.send:
				wctx, wcancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					r.logger.Info("ws.write.fail", "channel", channel, "close_status", websocket.CloseStatus(err), "err", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if !expectedReadErr(err) {
				r.logger.Info("ws.read.fail", "channel", channel, "err", err)
			}
			break
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		r.broadcast(channel, p, data)
	}

	cancel()
	<-writerDone
}

func (r *Relay) join(channel string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.channels[channel]
	if !ok {
		peers = make(map[*peer]struct{})
		r.channels[channel] = peers
	}
	peers[p] = struct{}{}
}

func (r *Relay) leave(channel string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.channels[channel]
	delete(peers, p)
	if len(peers) == 0 {
		delete(r.channels, channel)
	}
}

// broadcast never blocks on a slow receiver; its frame is dropped and counted instead.
func (r *Relay) broadcast(channel string, from *peer, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.channels[channel] {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
		case <-p.done:
		default:
			r.dropped.Add(1)
			r.logger.Warn("ws.send.drop", "channel", channel)
		}
	}
}

func expectedReadErr(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
