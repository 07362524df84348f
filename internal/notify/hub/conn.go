package hub

import (
	"time"

	"stockwire.com/internal/notify/auth"
)

// Sink 是连接的发送端。Offer 不能阻塞：队列满或已关闭返回 false。
type Sink interface {
	Offer(frame []byte) bool
}

// Conn is one authenticated session as the registry sees it. The joined
// channel set is owned by the Registry and only changes through it.
type Conn struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	sink     Sink
	channels map[string]struct{}
}

func NewConn(id string, ident auth.Identity, sink Sink) *Conn {
	return &Conn{
		ID:          id,
		Identity:    ident,
		ConnectedAt: time.Now(),
		sink:        sink,
		channels:    make(map[string]struct{}, 8),
	}
}

// Send hands an encoded frame to the transport.
func (c *Conn) Send(frame []byte) bool {
	if c.sink == nil {
		return false
	}
	return c.sink.Offer(frame)
}
