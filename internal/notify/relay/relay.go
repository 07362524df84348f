// Package relay feeds primary domain events from a broker (or a direct call)
// through the cascade engine into the broadcaster.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"stockwire.com/internal/notify/event"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/safe"
)

const DefaultTopic = "notify:events"

type Deriver interface {
	Derive(d event.Domain) ([]event.Outbound, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, out []event.Outbound) int
}

type Relay struct {
	broker  Broker
	deriver Deriver
	out     Deliverer
	topic   string
}

func New(b Broker, d Deriver, out Deliverer, topic string) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{broker: b, deriver: d, out: out, topic: topic}
}

func (r *Relay) Topic() string { return r.topic }

// Run 订阅 broker -> decode -> Derive -> Deliver；单条失败只记日志
func (r *Relay) Run(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		topics = []string{r.topic}
	}
	ch, err := r.broker.Subscribe(ctx, topics)
	if err != nil {
		return fmt.Errorf("relay subscribe %v: %w", topics, err)
	}
	logger.Info(ctx, "relay running", zap.Strings("topics", topics))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			safe.Run(ctx, "relay.handle", func() { r.handle(ctx, m) })
		}
	}
}

func (r *Relay) handle(ctx context.Context, m Message) {
	d, err := event.DecodeDomain(m.Payload)
	if err != nil {
		logger.Warn(ctx, "relay drop undecodable event", zap.String("topic", m.Topic), zap.Error(err))
		return
	}
	if _, err := r.Dispatch(ctx, d); err != nil {
		logger.Warn(ctx, "relay drop event", zap.String("topic", m.Topic), zap.String("type", d.Type), zap.Error(err))
	}
}

// Publish encodes d and hands it to the broker.
func (r *Relay) Publish(ctx context.Context, d event.Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b, err := event.EncodeDomain(d)
	if err != nil {
		return err
	}
	return r.broker.Publish(ctx, r.topic, b)
}

// Dispatch derives and delivers synchronously, returning the recipient count.
func (r *Relay) Dispatch(ctx context.Context, d event.Domain) (int, error) {
	if r.deriver == nil || r.out == nil {
		return 0, errors.New("relay: not wired")
	}
	out, err := r.deriver.Derive(d)
	if err != nil {
		return 0, err
	}
	n := r.out.Deliver(ctx, out)
	logger.Debug(ctx, "domain event delivered",
		zap.String("type", d.Type), zap.Int("envelopes", len(out)), zap.Int("recipients", n))
	return n, nil
}
