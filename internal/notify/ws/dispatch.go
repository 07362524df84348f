package ws

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/wsmetrics"
	"stockwire.com/pkg/xerr"
)

var (
	errAuthFailed     = xerr.NewTyped(xerr.Unauthorized, xerr.TypeAuthFailed, "Invalid or expired token")
	errInvalidMessage = xerr.NewTyped(xerr.RequestParamsError, xerr.TypeInvalidMessage, "Message must be a JSON object")
	errNoProductID    = xerr.NewTyped(xerr.RequestParamsError, xerr.TypeInvalidMessage, "productId is required")
	errInternal       = xerr.NewTyped(xerr.ServerCommonError, xerr.TypeInternal, "Internal error")
)

func invalidChannel(ch string) *xerr.CodeError {
	return xerr.NewTyped(xerr.RequestParamsError, xerr.TypeInvalidChannel, fmt.Sprintf("Channel '%s' is not valid", ch))
}

func unknownType(t string) *xerr.CodeError {
	return xerr.NewTyped(xerr.RequestParamsError, xerr.TypeUnknownMessage, fmt.Sprintf("Unknown message type '%s'", t))
}

// handler 只通过 Registry / session.emit 产生副作用
type handler func(ctx context.Context, s *Server, sess *session, m ClientMsg)

var handlers = map[string]handler{
	MsgAuth:                onAuth,
	MsgSubscribe:           onSubscribe,
	MsgUnsubscribe:         onUnsubscribe,
	MsgSubscribeProduct:    onSubscribeProduct,
	MsgUnsubscribeProduct:  onUnsubscribeProduct,
	MsgGetDashboardMetrics: onGetDashboardMetrics,
	MsgSubscribeAlerts:     onSubscribeAlerts,
	MsgPing:                onPing,
}

// dispatch handles one inbound frame. It returns false when the session
// must end; the close reason has been recorded by then.
func (s *Server) dispatch(ctx context.Context, sess *session, b []byte) bool {
	m, ok := parseClientMsg(b)
	if !ok {
		wsmetrics.InboundTotal.WithLabelValues("invalid").Inc()
		sess.emitError(errInvalidMessage)
		return true
	}

	// 消息里带 token 就复核一次；失败或换了用户都按认证失败处理
	if m.Token != "" && !s.reverify(ctx, sess, m.Token) {
		sess.emitError(errAuthFailed)
		sess.kick(websocket.ClosePolicyViolation, "auth_failed")
		return false
	}

	h, ok := handlers[m.Type]
	if !ok {
		wsmetrics.InboundTotal.WithLabelValues("unknown").Inc()
		sess.emitError(unknownType(m.Type))
		return true
	}
	wsmetrics.InboundTotal.WithLabelValues(m.Type).Inc()
	h(ctx, s, sess, m)
	return true
}

func (s *Server) reverify(ctx context.Context, sess *session, token string) bool {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	ident, err := s.verifier.Verify(vctx, token)
	if err == nil && ident.UserID == sess.conn.Identity.UserID {
		wsmetrics.AuthTotal.WithLabelValues("message", "ok").Inc()
		return true
	}
	wsmetrics.AuthTotal.WithLabelValues("message", "fail").Inc()
	if err == nil {
		sess.log.Warn("token subject changed mid-session", zap.String("token_user", ident.UserID))
	} else {
		sess.log.Warn("message token rejected", zap.Error(err))
	}
	return false
}

func (s *Server) ack(sess *session, typ, ch, productID string) {
	sess.emit(channel.System, typ, event.AckPayload{Channel: ch, ProductID: productID, Timestamp: s.now().UTC()})
}

// onAuth: 已经 Active，token（若有）在 dispatch 里复核过
func onAuth(context.Context, *Server, *session, ClientMsg) {}

func onSubscribe(_ context.Context, s *Server, sess *session, m ClientMsg) {
	if err := s.reg.Join(sess.id, m.Channel); err != nil {
		sess.emitError(invalidChannel(m.Channel))
		return
	}
	sess.log.Debug("subscribed", zap.String("channel", m.Channel))
	s.ack(sess, event.TypeSubscribed, m.Channel, "")
}

func onUnsubscribe(_ context.Context, s *Server, sess *session, m ClientMsg) {
	s.reg.Leave(sess.id, m.Channel)
	s.ack(sess, event.TypeUnsubscribed, m.Channel, "")
}

func onSubscribeProduct(_ context.Context, s *Server, sess *session, m ClientMsg) {
	if m.ProductID == "" {
		sess.emitError(errNoProductID)
		return
	}
	ch := channel.Product(m.ProductID)
	if err := s.reg.Join(sess.id, ch); err != nil {
		sess.emitError(invalidChannel(ch))
		return
	}
	s.ack(sess, event.TypeSubscribed, ch, m.ProductID)
}

func onUnsubscribeProduct(_ context.Context, s *Server, sess *session, m ClientMsg) {
	if m.ProductID == "" {
		sess.emitError(errNoProductID)
		return
	}
	ch := channel.Product(m.ProductID)
	s.reg.Leave(sess.id, ch)
	s.ack(sess, event.TypeUnsubscribed, ch, m.ProductID)
}

func onGetDashboardMetrics(ctx context.Context, s *Server, sess *session, _ ClientMsg) {
	s.pushDashboard(ctx, sess)
}

func onSubscribeAlerts(ctx context.Context, s *Server, sess *session, _ ClientMsg) {
	if err := s.reg.Join(sess.id, channel.Alerts); err != nil {
		sess.emitError(invalidChannel(channel.Alerts))
		return
	}
	s.ack(sess, event.TypeSubscribed, channel.Alerts, "")
	s.pushAlerts(ctx, sess)
}

func onPing(_ context.Context, s *Server, sess *session, _ ClientMsg) {
	sess.emit(channel.System, event.TypePong, event.PongPayload{Timestamp: s.now().UTC()})
}
