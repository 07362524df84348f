package ws

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Inbound message types, normalised to kebab case.
const (
	MsgAuth                = "auth"
	MsgSubscribe           = "subscribe"
	MsgUnsubscribe         = "unsubscribe"
	MsgSubscribeProduct    = "subscribe-product"
	MsgUnsubscribeProduct  = "unsubscribe-product"
	MsgGetDashboardMetrics = "get-dashboard-metrics"
	MsgSubscribeAlerts     = "subscribe-alerts"
	MsgPing                = "ping"
)

// ClientMsg is the inbound frame. Only the fields of the given type are read.
type ClientMsg struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Token     string `json:"token,omitempty"`
}

// normalizeType 兼容 SUBSCRIBE_PRODUCT 与 subscribe-product 两种写法
func normalizeType(t string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(t), "_", "-"))
}

// parseClientMsg 用 gjson 直接取字段，不做整包反序列化
func parseClientMsg(b []byte) (ClientMsg, bool) {
	if !gjson.ValidBytes(b) {
		return ClientMsg{}, false
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return ClientMsg{}, false
	}
	f := root.Get
	return ClientMsg{
		Type:      normalizeType(f("type").String()),
		Channel:   f("channel").String(),
		ProductID: f("productId").String(),
		Token:     f("token").String(),
	}, true
}
