package wsbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// Bus implements [goAuthSync.MessageBus] by dialing a Relay at <baseURL>/<channel>.
type Bus struct {
	baseURL string
	dial    *websocket.DialOptions
}

var _ goAuthSync.MessageBus = (*Bus)(nil)

// New returns a Bus for the relay mounted at baseURL (http, https, ws or wss).
func New(baseURL string, dial *websocket.DialOptions) *Bus {
	return &Bus{baseURL: strings.TrimRight(baseURL, "/"), dial: dial}
}

func (b *Bus) Open(ctx context.Context, channel string, deliver func([]byte)) (goAuthSync.BusConn, error) {
	target := b.baseURL + "/" + url.PathEscape(channel)
	ws, _, err := websocket.Dial(ctx, target, b.dial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", goAuthSync.ErrTransportUnavailable, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(readCtx, deliver)
	return c, nil
}

type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *conn) run(ctx context.Context, deliver func([]byte)) {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		deliver(data)
	}
}

func (c *conn) Publish(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", goAuthSync.ErrTransportUnavailable, err)
	}
	return nil
}

// Close performs the closing handshake and waits for the reader to exit.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, "bye")
		if websocket.CloseStatus(err) == -1 && err != nil {
			c.closeErr = err
		}
		c.cancel()
		<-c.done
	})
	return c.closeErr
}
