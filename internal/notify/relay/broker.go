package relay

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 是领域事件的入口通道，不做网关节点间的 fanout
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 的返回 channel 在 ctx 结束后关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
