package relay

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("relay: broker closed")

// MemBroker is the single-process broker. Delivery is at-most-once: a full
// subscriber buffer drops the message.
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	buf    int
	closed bool
}

func NewMemBroker(buf int) *MemBroker {
	if buf <= 0 {
		buf = 4096
	}
	return &MemBroker{subs: make(map[string]map[chan Message]struct{}), buf: buf}
}

// Publish 在读锁内投递，保证不会往已关闭的 channel 写
func (b *MemBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	msg := Message{Topic: topic, Payload: payload}
	for ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	for _, t := range topics {
		set := b.subs[t]
		if set == nil {
			set = make(map[chan Message]struct{}, 4)
			b.subs[t] = set
		}
		set[ch] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range topics {
			if set := b.subs[t]; set != nil {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, t)
				}
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns how many subscriptions a topic has.
func (b *MemBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close 拒绝后续 Publish/Subscribe；已有订阅仍由各自的 ctx 收尾
func (b *MemBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
