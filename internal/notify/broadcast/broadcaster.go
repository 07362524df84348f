// Package broadcast routes envelopes to the members of a channel.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/wsmetrics"
	"stockwire.com/pkg/logger"
)

const tracerName = "stockwire.com/internal/notify/broadcast"

// MemberSource resolves the live members of a channel. *hub.Registry satisfies it.
type MemberSource interface {
	Members(ch string) []*hub.Conn
}

type Option func(*Broadcaster)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Broadcaster) { b.tracer = t }
}

// Broadcaster 负责 fanout。fanMu 串行化整个 fanout，保证同一频道上并发广播
// 在所有成员处的相对顺序一致；Offer 非阻塞，临界区不会等客户端。
type Broadcaster struct {
	srcMu sync.RWMutex
	src   MemberSource

	fanMu  sync.Mutex
	now    func() time.Time
	tracer trace.Tracer
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach 在网关就绪后挂上注册表；之前的广播只打 warn，返回 0
func (b *Broadcaster) Attach(src MemberSource) {
	b.srcMu.Lock()
	b.src = src
	b.srcMu.Unlock()
}

func (b *Broadcaster) source() MemberSource {
	b.srcMu.RLock()
	defer b.srcMu.RUnlock()
	return b.src
}

// BroadcastToChannel sends env to every member of ch and returns how many
// members accepted the frame. An empty env.Channel is filled with ch.
func (b *Broadcaster) BroadcastToChannel(ctx context.Context, ch string, env event.Envelope) int {
	src := b.source()
	if src == nil {
		logger.Warn(ctx, "broadcast before gateway attached",
			zap.String("channel", ch), zap.String("type", env.Type))
		wsmetrics.DroppedTotal.WithLabelValues("not_attached").Inc()
		return 0
	}
	if env.Channel == "" {
		env.Channel = ch
	}

	ctx, span := b.tracer.Start(ctx, "notify.broadcast",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("notify.channel", ch),
			attribute.String("notify.type", env.Type),
		))
	defer span.End()

	b.fanMu.Lock()
	defer b.fanMu.Unlock()

	env = env.Stamped(b.now().UTC())
	frame, err := event.Encode(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		wsmetrics.DroppedTotal.WithLabelValues("encode").Inc()
		logger.Error(ctx, "encode envelope failed",
			zap.String("channel", ch), zap.String("type", env.Type), zap.Error(err))
		return 0
	}

	members := src.Members(ch)
	sent := 0
	for _, c := range members {
		if c.Send(frame) {
			sent++
			continue
		}
		wsmetrics.DroppedTotal.WithLabelValues("rejected").Inc()
		logger.Debug(ctx, "member rejected frame",
			zap.String("conn_id", c.ID),
			zap.String("user_id", c.Identity.UserID),
			zap.String("channel", ch),
		)
	}

	wsmetrics.BroadcastTotal.WithLabelValues(wsmetrics.TargetKind(ch)).Inc()
	wsmetrics.BroadcastRecipients.Observe(float64(sent))
	span.SetAttributes(
		attribute.Int("notify.members", len(members)),
		attribute.Int("notify.recipients", sent),
	)
	return sent
}

func (b *Broadcaster) BroadcastToAll(ctx context.Context, env event.Envelope) int {
	return b.BroadcastToChannel(ctx, channel.Global, env)
}

func (b *Broadcaster) SendToUser(ctx context.Context, userID string, env event.Envelope) int {
	return b.BroadcastToChannel(ctx, channel.User(userID), env)
}

// Deliver 按顺序投递 cascade 结果，返回总接收数
func (b *Broadcaster) Deliver(ctx context.Context, out []event.Outbound) int {
	total := 0
	for _, o := range out {
		total += b.BroadcastToChannel(ctx, o.Target, o.Envelope)
	}
	return total
}
