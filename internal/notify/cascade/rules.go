// Package cascade derives the outbound envelopes of a primary domain event.
// Derivation is pure; delivery belongs to the broadcaster.
package cascade

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/wsmetrics"
)

var (
	ErrUnknownEvent = errors.New("cascade: unknown event type")
	ErrInvalidData  = errors.New("cascade: invalid event data")
)

type Config struct {
	// OutOfStockAt 库存 <= 该值时告警升级为 OutOfStockSeverity
	OutOfStockAt       int64          `mapstructure:"outOfStockAt" yaml:"outOfStockAt"`
	LowStockSeverity   event.Severity `mapstructure:"lowStockSeverity" yaml:"lowStockSeverity"`
	OutOfStockSeverity event.Severity `mapstructure:"outOfStockSeverity" yaml:"outOfStockSeverity"`
}

func (c Config) withDefaults() Config {
	if c.LowStockSeverity.Rank() == 0 {
		c.LowStockSeverity = event.SeverityWarning
	}
	if c.OutOfStockSeverity.Rank() == 0 {
		c.OutOfStockSeverity = event.SeverityCritical
	}
	return c
}

type rule func(e *Engine, data json.RawMessage) ([]event.Outbound, error)

// rules 静态规则表，按领域事件类型索引
var rules = map[string]rule{
	event.TypeStockChanged:       (*Engine).stockChanged,
	event.TypeAlertCreated:       (*Engine).alertCreated,
	event.TypeAlertUpdated:       (*Engine).alertUpdated,
	event.TypeProductUpdated:     (*Engine).productUpdated,
	event.TypeProductDeleted:     (*Engine).productDeleted,
	event.TypeMetricsUpdated:     (*Engine).metricsUpdated,
	event.TypeOrderCreated:       passthrough(channel.Orders, event.TypeOrderCreated),
	event.TypeOrderStatusChanged: (*Engine).orderStatusChanged,
	event.TypeRecommendationNew:  passthrough(channel.Recommendations, event.TypeRecommendationNew),
	event.TypeSystemMaintenance:  (*Engine).maintenance,
}

// Types lists the domain event types the engine understands.
func Types() []string {
	out := make([]string, 0, len(rules))
	for t := range rules {
		out = append(out, t)
	}
	return out
}

type Engine struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock returns a copy of e reading time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Derive maps one primary event to the envelopes it produces, in delivery order.
func (e *Engine) Derive(d event.Domain) ([]event.Outbound, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r, ok := rules[d.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, d.Type)
	}
	out, err := r(e, d.Data)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		wsmetrics.DerivedTotal.WithLabelValues(o.Envelope.Type).Inc()
	}
	return out, nil
}

func decode(typ string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s: empty data", ErrInvalidData, typ)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, typ, err)
	}
	return nil
}

func to(target, label, typ string, payload any) event.Outbound {
	return event.Outbound{
		Target:   target,
		Envelope: event.Envelope{Channel: label, Type: typ, Payload: payload},
	}
}

func passthrough(ch, typ string) rule {
	return func(_ *Engine, data json.RawMessage) ([]event.Outbound, error) {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s: empty data", ErrInvalidData, typ)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: %s: malformed json", ErrInvalidData, typ)
		}
		return []event.Outbound{to(ch, ch, typ, data)}, nil
	}
}

func (e *Engine) stockChanged(data json.RawMessage) ([]event.Outbound, error) {
	var sc event.StockChanged
	if err := decode(event.TypeStockChanged, data, &sc); err != nil {
		return nil, err
	}
	if sc.ProductID == "" {
		return nil, fmt.Errorf("%w: %s: missing productId", ErrInvalidData, event.TypeStockChanged)
	}

	low := sc.Stock <= sc.MinStock
	payload := event.StockPayload{StockChanged: sc, IsLowStock: low}
	out := []event.Outbound{
		to(channel.Products, channel.Products, event.TypeStockChanged, payload),
		to(channel.Product(sc.ProductID), channel.Products, event.TypeStockChanged, payload),
	}
	if !low {
		return out, nil
	}

	now := e.now()
	sev := e.cfg.LowStockSeverity
	if sc.Stock <= e.cfg.OutOfStockAt {
		sev = e.cfg.OutOfStockSeverity
	}
	name := sc.ProductName
	if name == "" {
		name = sc.ProductID
	}
	a := event.Alert{
		ID:        fmt.Sprintf("low-stock-%s-%d", sc.ProductID, now.UnixMilli()),
		Severity:  sev,
		Title:     "Low Stock Alert",
		Message:   fmt.Sprintf("%s is running low on stock (%d remaining, minimum: %d)", name, sc.Stock, sc.MinStock),
		ProductID: sc.ProductID,
		Timestamp: now.UTC(),
	}
	return append(out, alertOut(a)...), nil
}

// alertOut 告警进 alerts；最高级别再额外发一条 urgent.alert 到 global，且只发一条
func alertOut(a event.Alert) []event.Outbound {
	out := []event.Outbound{to(channel.Alerts, channel.Alerts, event.TypeAlertCreated, a)}
	if a.Severity.Urgent() {
		out = append(out, to(channel.Global, channel.System, event.TypeUrgentAlert, a))
	}
	return out
}

func (e *Engine) alertCreated(data json.RawMessage) ([]event.Outbound, error) {
	var a event.Alert
	if err := decode(event.TypeAlertCreated, data, &a); err != nil {
		return nil, err
	}
	now := e.now()
	if a.ID == "" {
		a.ID = fmt.Sprintf("alert-%d", now.UnixMilli())
	}
	if a.Severity == "" {
		a.Severity = event.SeverityInfo
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now.UTC()
	}
	return alertOut(a), nil
}

func (e *Engine) alertUpdated(data json.RawMessage) ([]event.Outbound, error) {
	var u event.AlertUpdate
	if err := decode(event.TypeAlertUpdated, data, &u); err != nil {
		return nil, err
	}
	if u.ID() == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrInvalidData, event.TypeAlertUpdated)
	}
	return []event.Outbound{to(channel.Alerts, channel.Alerts, event.TypeAlertUpdated, u)}, nil
}

func (e *Engine) productUpdated(data json.RawMessage) ([]event.Outbound, error) {
	var p event.ProductChanged
	if err := decode(event.TypeProductUpdated, data, &p); err != nil {
		return nil, err
	}
	if p.ProductID == "" {
		return nil, fmt.Errorf("%w: %s: missing productId", ErrInvalidData, event.TypeProductUpdated)
	}
	return []event.Outbound{
		to(channel.Products, channel.Products, event.TypeProductUpdated, p),
		to(channel.Product(p.ProductID), channel.Products, event.TypeProductUpdated, p),
	}, nil
}

func (e *Engine) productDeleted(data json.RawMessage) ([]event.Outbound, error) {
	var p event.ProductChanged
	if err := decode(event.TypeProductDeleted, data, &p); err != nil {
		return nil, err
	}
	if p.ProductID == "" {
		return nil, fmt.Errorf("%w: %s: missing productId", ErrInvalidData, event.TypeProductDeleted)
	}
	payload := event.ProductChanged{ProductID: p.ProductID}
	return []event.Outbound{
		to(channel.Products, channel.Products, event.TypeProductDeleted, payload),
		to(channel.Product(p.ProductID), channel.Products, event.TypeProductDeleted, payload),
	}, nil
}

func (e *Engine) orderStatusChanged(data json.RawMessage) ([]event.Outbound, error) {
	var o event.OrderStatusChanged
	if err := decode(event.TypeOrderStatusChanged, data, &o); err != nil {
		return nil, err
	}
	if o.ID == "" || o.Status == "" {
		return nil, fmt.Errorf("%w: %s: missing id or status", ErrInvalidData, event.TypeOrderStatusChanged)
	}
	return []event.Outbound{to(channel.Orders, channel.Orders, event.TypeOrderStatusChanged, o)}, nil
}

func (e *Engine) maintenance(data json.RawMessage) ([]event.Outbound, error) {
	var m event.Maintenance
	if err := decode(event.TypeSystemMaintenance, data, &m); err != nil {
		return nil, err
	}
	if m.Message == "" {
		return nil, fmt.Errorf("%w: %s: missing message", ErrInvalidData, event.TypeSystemMaintenance)
	}
	return []event.Outbound{to(channel.Global, channel.System, event.TypeSystemMaintenance, m)}, nil
}

// metricsUpdated 与快照推送同形：payload 为 {metrics}
func (e *Engine) metricsUpdated(data json.RawMessage) ([]event.Outbound, error) {
	if len(data) == 0 || !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s: malformed json", ErrInvalidData, event.TypeMetricsUpdated)
	}
	return []event.Outbound{to(channel.Dashboard, channel.Dashboard, event.TypeMetricsUpdated, event.MetricsPayload{Metrics: data})}, nil
}
