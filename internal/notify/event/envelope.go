// Package event holds the wire shapes of the notification core: outbound
// envelopes, primary domain events and alert payloads.
package event

import (
	"time"

	"github.com/segmentio/encoding/json"
)

// Envelope types produced by the gateway itself.
const (
	TypeConnection   = "connection"
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

// Envelope types produced by the cascade rules and snapshot pulls.
const (
	TypeProductUpdated     = "product.updated"
	TypeProductDeleted     = "product.deleted"
	TypeStockChanged       = "product.stock_changed"
	TypeMetricsUpdated     = "metrics.updated"
	TypeAlertCreated       = "alert.created"
	TypeAlertUpdated       = "alert.updated"
	TypeAlertsCurrent      = "alerts.current"
	TypeUrgentAlert        = "urgent.alert"
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
	TypeRecommendationNew  = "recommendation.new"
	TypeSystemMaintenance  = "system.maintenance"
)

// Envelope is the unit of delivery. Timestamp is assigned at send time.
type Envelope struct {
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Stamped returns a copy carrying ts.
func (e Envelope) Stamped(ts time.Time) Envelope {
	e.Timestamp = ts
	return e
}

// Outbound routes an envelope to a target channel. Target and
// Envelope.Channel differ for urgent alerts: labelled system, sent to global.
type Outbound struct {
	Target   string
	Envelope Envelope
}

// Encode 只编码一次，所有订阅者共用同一份 payload
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode is used by clients and tests; Payload comes back as generic JSON.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}

// ConnectionPayload 连接确认
type ConnectionPayload struct {
	Status    string    `json:"status"`
	UserID    string    `json:"userId"`
	Channels  []string  `json:"channels"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the body of an error envelope.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AckPayload answers subscribe/unsubscribe requests.
type AckPayload struct {
	Channel   string    `json:"channel"`
	ProductID string    `json:"productId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsPayload wraps dashboard metrics on metrics.updated.
type MetricsPayload struct {
	Metrics any `json:"metrics"`
}

type AlertsPayload struct {
	Alerts []Alert `json:"alerts"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}
