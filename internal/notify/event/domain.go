package event

import (
	"errors"
	"time"

	"github.com/segmentio/encoding/json"
)

var ErrEmptyType = errors.New("event: empty domain event type")

// Domain is a primary event raised by a collaborator (inventory handler,
// order service, ...). Data is decoded by the matching cascade rule.
type Domain struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewDomain(typ string, data any) (Domain, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Domain{}, err
	}
	return Domain{Type: typ, Data: raw}, nil
}

func (d Domain) Validate() error {
	if d.Type == "" {
		return ErrEmptyType
	}
	return nil
}

func EncodeDomain(d Domain) ([]byte, error) { return json.Marshal(d) }

func DecodeDomain(b []byte) (Domain, error) {
	var d Domain
	if err := json.Unmarshal(b, &d); err != nil {
		return Domain{}, err
	}
	return d, d.Validate()
}

// StockChanged is the data of product.stock_changed.
type StockChanged struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Stock       int64  `json:"stock"`
	MinStock    int64  `json:"minStock"`
}

// StockPayload 下发给客户端的库存变更
type StockPayload struct {
	StockChanged
	IsLowStock bool `json:"isLowStock"`
}

type ProductChanged struct {
	ProductID string `json:"productId"`
	Data      any    `json:"data,omitempty"`
}

type OrderStatusChanged struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
}

// AlertUpdate carries the alert id plus whatever fields changed.
type AlertUpdate map[string]any

func (u AlertUpdate) ID() string {
	id, _ := u["id"].(string)
	return id
}

// Maintenance window announced on the system label.
type Maintenance struct {
	Message  string     `json:"message"`
	StartsAt *time.Time `json:"startsAt,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
}
