package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/wsmetrics"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/safe"
	"stockwire.com/pkg/xerr"
)

// session 是一条 websocket 连接的传输端，实现 hub.Sink。
// queue 有界：满了直接踢掉（慢客户端），广播方永远不阻塞。
type session struct {
	id    string
	srv   *Server
	ws    *websocket.Conn
	state stateBox
	log   *zap.Logger

	conn  *hub.Conn // Active 之后才有
	queue chan []byte

	closeCh     chan struct{}
	closed      atomic.Bool
	closeCode   int
	closeReason string

	lastPong atomic.Int64
}

func newSession(srv *Server, id string, wsConn *websocket.Conn) *session {
	s := &session{
		id:      id,
		srv:     srv,
		ws:      wsConn,
		log:     logger.ForConn(id, ""),
		queue:   make(chan []byte, srv.cfg.SendBuffer),
		closeCh: make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

func (s *session) State() State { return s.state.Load() }

// Offer never blocks.
func (s *session) Offer(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	case <-s.closeCh:
		return false
	default:
		wsmetrics.DroppedTotal.WithLabelValues("queue_full").Inc()
		s.kick(websocket.CloseTryAgainLater, "slow_consumer")
		return false
	}
}

// kick records the first close reason and wakes the write pump, which
// flushes what is queued, sends the close frame and closes the socket.
func (s *session) kick(code int, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeCode, s.closeReason = code, reason
	close(s.closeCh)
}

func (s *session) reason() string {
	<-s.closeCh
	return s.closeReason
}

// emit 直发给本连接，不经过注册表
func (s *session) emit(ch, typ string, payload any) bool {
	frame, err := event.Encode(event.Envelope{
		Channel:   ch,
		Type:      typ,
		Payload:   payload,
		Timestamp: s.srv.now().UTC(),
	})
	if err != nil {
		s.log.Error("encode direct envelope", zap.String("type", typ), zap.Error(err))
		return false
	}
	return s.Offer(frame)
}

func (s *session) emitError(ce *xerr.CodeError) bool {
	return s.emit(channel.System, event.TypeError, event.ErrorPayload{Type: ce.Type, Message: ce.Msg})
}

// writeNow 只在 pump 启动前使用（握手失败路径），gorilla 不允许并发写
func (s *session) writeNow(frame []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// writeClose 1006 不能出现在 close 帧里，此时连接已经断了，直接跳过
func (s *session) writeClose(code int, text string) {
	if code == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.srv.cfg.WriteWait))
}

func (s *session) write(frame []byte) error {
	start := time.Now()
	_ = s.ws.SetWriteDeadline(start.Add(s.srv.cfg.WriteWait))
	err := s.ws.WriteMessage(websocket.TextMessage, frame)
	wsmetrics.ObserveWrite(len(frame), time.Since(start), err)
	return err
}

func (s *session) writePump(ctx context.Context) {
	cfg := s.srv.cfg
	// 错开各连接的 ping 时刻
	if cfg.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(cfg.PingJitter))))
		select {
		case <-t.C:
		case <-s.closeCh:
		case <-ctx.Done():
		}
		t.Stop()
	}

	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case frame := <-s.queue:
			if err := s.write(frame); err != nil {
				s.kick(websocket.CloseAbnormalClosure, "write_err")
				return
			}
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, s.lastPong.Load())) > cfg.PongWait {
				s.kick(websocket.CloseGoingAway, "pong_timeout")
				s.writeClose(websocket.CloseGoingAway, "pong timeout")
				return
			}
			if err := s.ws.WriteControl(websocket.PingMessage, []byte("ping"), now.Add(cfg.WriteWait)); err != nil {
				s.kick(websocket.CloseAbnormalClosure, "ping_err")
				return
			}
			wsmetrics.PingSentTotal.Inc()
		case <-s.closeCh:
			s.drain()
			s.writeClose(s.closeCode, s.closeReason)
			return
		case <-ctx.Done():
			s.kick(websocket.CloseGoingAway, "shutdown")
			s.writeClose(websocket.CloseGoingAway, "server shutdown")
			return
		}
	}
}

// drain 关闭前尽量把已入队的帧写出去（错误信封要先于 close 帧到达）
func (s *session) drain() {
	if s.closeReason == "slow_consumer" {
		return
	}
	for {
		select {
		case frame := <-s.queue:
			if s.write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) readPump(ctx context.Context) {
	cfg := s.srv.cfg
	defer func() {
		s.kick(websocket.CloseNormalClosure, "read_exit")
		s.srv.finish(s)
	}()

	_ = s.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.ws.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return s.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, b, err := s.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.kick(websocket.CloseGoingAway, "read_timeout")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.kick(websocket.CloseNormalClosure, "client_close")
			default:
				if !s.closed.Load() {
					s.log.Debug("read error", zap.Error(err))
				}
				s.kick(websocket.CloseAbnormalClosure, "read_err")
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		var keep bool
		if safe.Run(ctx, "ws.dispatch", func() { keep = s.srv.dispatch(ctx, s, b) }) {
			s.emitError(errInternal)
			continue
		}
		if !keep {
			return
		}
	}
}
