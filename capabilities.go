package goAuthSync

import "context"

// MessageBus opens origin-scoped broadcast channels.
//
// Open registers deliver for every frame published on channel by other connections.
// Transports that echo a sender's own frames back are allowed; the session service
// drops them by originId. deliver may be called from a transport goroutine or from
// a sibling's Publish call, and must be safe for concurrent use.
type MessageBus interface {
	Open(ctx context.Context, channel string, deliver func(data []byte)) (BusConn, error)
}

// BusConn is one open broadcast channel. Publish is fire-and-forget from the caller's
// point of view: a nil error only means the frame was handed to the transport.
type BusConn interface {
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// KeyValueStore is the persisted credential store of one tab.
//
// Get reports ok=false for a missing key. Delete of a missing key is not an error.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// UnsupportedBus is the transport for environments without broadcast capability. The
// session service treats its Open failure as single-tab mode.
type UnsupportedBus struct{}

// Open always fails with [ErrTransportUnavailable].
func (UnsupportedBus) Open(context.Context, string, func([]byte)) (BusConn, error) {
	return nil, ErrTransportUnavailable
}
