// Package ws is the websocket gateway: upgrade, handshake authentication,
// the per-connection state machine and the inbound dispatch table.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/auth"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/snapshot"
	"stockwire.com/internal/notify/wsmetrics"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/safe"
)

// DefaultOrigins are the browser origins of the back office front ends.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"https://d1vu6p9f5uc16.cloudfront.net",
	"https://dh5a0lb9qett.cloudfront.net",
	"https://omnix-ai.com",
	"https://app.omnix-ai.com",
}

type Config struct {
	Path             string        `mapstructure:"path" yaml:"path"`
	AllowedOrigins   []string      `mapstructure:"allowedOrigins" yaml:"allowedOrigins"` // "*" 放开所有（仅开发）
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout" yaml:"handshakeTimeout"`
	SendBuffer       int           `mapstructure:"sendBuffer" yaml:"sendBuffer"`
	PongWait         time.Duration `mapstructure:"pongWait" yaml:"pongWait"`
	PingPeriod       time.Duration `mapstructure:"pingPeriod" yaml:"pingPeriod"`
	PingJitter       time.Duration `mapstructure:"pingJitter" yaml:"pingJitter"`
	WriteWait        time.Duration `mapstructure:"writeWait" yaml:"writeWait"`
	ReadLimit        int64         `mapstructure:"readLimit" yaml:"readLimit"`
}

func (c Config) WithDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = DefaultOrigins
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 10
	}
	return c
}

type Deps struct {
	Registry *hub.Registry
	Verifier auth.Verifier
	Snapshot snapshot.Provider // nil 用静态数据
}

type Server struct {
	ctx      context.Context
	cfg      Config
	reg      *hub.Registry
	verifier auth.Verifier
	snap     snapshot.Provider
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(ctx context.Context, cfg Config, d Deps) *Server {
	cfg = cfg.WithDefaults()
	s := &Server{
		ctx:      ctx,
		cfg:      cfg,
		reg:      d.Registry,
		verifier: d.Verifier,
		snap:     d.Snapshot,
		now:      time.Now,
	}
	if s.reg == nil {
		s.reg = hub.NewRegistry()
	}
	if s.snap == nil {
		s.snap = snapshot.Static{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *hub.Registry { return s.reg }

func (s *Server) Config() Config { return s.cfg }

// checkOrigin 空 Origin 视为非浏览器客户端，放行
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	logger.Warn(r.Context(), "websocket origin rejected", zap.String("origin", origin))
	return false
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader 已经写了 HTTP 错误响应
		logger.Debug(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	wsmetrics.OnOpen()
	wsConn.SetReadLimit(s.cfg.ReadLimit)

	sess := newSession(s, uuid.NewString(), wsConn)
	sess.state.advance(StateAuthenticating)

	ident, err := s.authenticate(r, sess)
	if err != nil {
		s.reject(sess, err)
		return
	}
	wsmetrics.AuthTotal.WithLabelValues("connect", "ok").Inc()

	ctx := s.ctx
	s.activate(ctx, sess, ident)
	safe.GoCtx(ctx, "ws.writePump", sess.writePump)
	safe.GoCtx(ctx, "ws.readPump", sess.readPump)
}

// authenticate 凭证来源：query/header，缺省时读第一帧 {"type":"auth","token":...}
func (s *Server) authenticate(r *http.Request, sess *session) (auth.Identity, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		t, err := s.readAuthFrame(sess)
		if err != nil {
			return auth.Identity{}, err
		}
		token = t
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	return s.verifier.Verify(ctx, token)
}

func (s *Server) readAuthFrame(sess *session) (string, error) {
	_ = sess.ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, b, err := sess.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	_ = sess.ws.SetReadDeadline(time.Time{})
	m, ok := parseClientMsg(b)
	if !ok || m.Type != MsgAuth || m.Token == "" {
		return "", auth.ErrMissingToken
	}
	return m.Token, nil
}

// reject 走握手失败路径：错误信封 + policy violation，从未注册过
func (s *Server) reject(sess *session, err error) {
	wsmetrics.AuthTotal.WithLabelValues("connect", "fail").Inc()
	sess.log.Warn("authentication failed", zap.Error(err))

	frame, encErr := event.Encode(event.Envelope{
		Channel:   channel.System,
		Type:      event.TypeError,
		Payload:   event.ErrorPayload{Type: errAuthFailed.Type, Message: errAuthFailed.Msg},
		Timestamp: s.now().UTC(),
	})
	if encErr == nil {
		_ = sess.writeNow(frame)
	}
	sess.writeClose(websocket.ClosePolicyViolation, "authentication failed")
	_ = sess.ws.Close()

	sess.kick(websocket.ClosePolicyViolation, "auth_failed")
	sess.state.advance(StateDisconnected)
	wsmetrics.OnClose("auth_failed")
}

// activate 注册并加入默认频道；readPump 之后才启动，所以客户端的首个
// subscribe 一定看到的是恰好默认集合
func (s *Server) activate(ctx context.Context, sess *session, ident auth.Identity) {
	sess.log = logger.ForConn(sess.id, ident.UserID)
	sess.conn = hub.NewConn(sess.id, ident, sess)

	defaults := channel.Defaults(ident.UserID)
	sess.emit(channel.System, event.TypeConnection, event.ConnectionPayload{
		Status:    "connected",
		UserID:    ident.UserID,
		Channels:  defaults,
		Timestamp: s.now().UTC(),
	})

	s.reg.Register(sess.conn)
	for _, ch := range defaults {
		if err := s.reg.Join(sess.id, ch); err != nil {
			sess.log.Warn("join default channel", zap.String("channel", ch), zap.Error(err))
		}
	}
	sess.state.advance(StateActive)
	sess.log.Info("client connected", zap.String("email", ident.Email), zap.String("role", ident.Role))

	s.pushDashboard(ctx, sess)
}

func (s *Server) finish(sess *session) {
	reason := sess.reason()
	s.reg.Unregister(sess.id)
	sess.state.advance(StateDisconnected)
	wsmetrics.OnClose(reason)
	sess.log.Info("client disconnected", zap.String("reason", reason))
}

func (s *Server) pushDashboard(ctx context.Context, sess *session) {
	m, err := s.snap.DashboardMetrics(ctx)
	if err != nil {
		sess.log.Warn("dashboard snapshot", zap.Error(err))
		return
	}
	sess.emit(channel.Dashboard, event.TypeMetricsUpdated, event.MetricsPayload{Metrics: m})
}

func (s *Server) pushAlerts(ctx context.Context, sess *session) {
	alerts, err := s.snap.CurrentAlerts(ctx)
	if err != nil {
		sess.log.Warn("alerts snapshot", zap.Error(err))
		return
	}
	sess.emit(channel.Alerts, event.TypeAlertsCurrent, event.AlertsPayload{Alerts: alerts})
}
