package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"stockwire.com/internal/notify/auth/authtest"
	"stockwire.com/internal/notify/broadcast"
	"stockwire.com/internal/notify/cascade"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/snapshot"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, Config{HandshakeTimeout: 500 * time.Millisecond}, Deps{
		Registry: hub.NewRegistry(),
		Verifier: authtest.Verifier(t),
		Snapshot: snapshot.Static{},
	})
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	if token != "" {
		url += "?token=" + token
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connect dials as user and consumes the connection + initial dashboard frames.
func connect(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	c := dial(t, url, authtest.Token(t, user, user+"@example.com", "manager", time.Hour))
	until(t, c, event.TypeConnection)
	until(t, c, event.TypeMetricsUpdated)
	return c
}

func send(t *testing.T, c *websocket.Conn, m ClientMsg) {
	t.Helper()
	require.NoError(t, c.WriteJSON(m))
}

func next(t *testing.T, c *websocket.Conn) gjson.Result {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(b)
}

// until reads frames until one of type typ arrives and returns it with the
// types of the frames skipped on the way.
func until(t *testing.T, c *websocket.Conn, typ string) (gjson.Result, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 1000; i++ {
		r := next(t, c)
		if r.Get("type").String() == typ {
			return r, seen
		}
		seen = append(seen, r.Get("type").String())
	}
	t.Fatalf("no %s frame", typ)
	return gjson.Result{}, nil
}

func expectClosed(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
			return
		}
	}
}

func TestWS_Connect(t *testing.T) {
	srv, url := newTestServer(t)
	c := dial(t, url, authtest.Token(t, "u1", "u1@example.com", "manager", time.Hour))

	conn := next(t, c)
	assert.Equal(t, "connection", conn.Get("type").String())
	assert.Equal(t, "connected", conn.Get("payload.status").String())
	assert.Equal(t, "u1", conn.Get("payload.userId").String())
	assert.Equal(t, `["global","dashboard","user.u1"]`, conn.Get("payload.channels").Raw)

	dash := next(t, c)
	assert.Equal(t, "metrics.updated", dash.Get("type").String())
	assert.Equal(t, "dashboard", dash.Get("channel").String())
	assert.Equal(t, int64(1250), dash.Get("payload.metrics.totalProducts").Int())

	st := srv.Registry().Stats()
	require.Equal(t, 1, st.TotalConnections)
	assert.Equal(t, []string{"dashboard", "global", "user.u1"}, st.ConnectedUsers[0].Channels)
}

func TestWS_AuthFailed(t *testing.T) {
	srv, url := newTestServer(t)
	c := dial(t, url, authtest.TokenWithSecret(t, "wrong", "u1", "", "", time.Hour))

	e := next(t, c)
	assert.Equal(t, "error", e.Get("type").String())
	assert.Equal(t, "authentication_failed", e.Get("payload.type").String())
	assert.Equal(t, "Invalid or expired token", e.Get("payload.message").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestWS_ExpiredToken(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, authtest.Token(t, "u1", "", "", -time.Minute))
	assert.Equal(t, "authentication_failed", next(t, c).Get("payload.type").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
}

func TestWS_AuthFrame(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, "")
	send(t, c, ClientMsg{Type: "auth", Token: authtest.Token(t, "u7", "", "", time.Hour)})

	conn := next(t, c)
	assert.Equal(t, "connection", conn.Get("type").String())
	assert.Equal(t, "u7", conn.Get("payload.userId").String())
}

func TestWS_HandshakeTimeout(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, "")
	assert.Equal(t, "authentication_failed", next(t, c).Get("payload.type").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
}

func TestWS_FirstFrameNotAuth(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, "")
	send(t, c, ClientMsg{Type: "subscribe", Channel: "alerts"})
	assert.Equal(t, "authentication_failed", next(t, c).Get("payload.type").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
}

func TestWS_PingPong(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, "u1")
	send(t, c, ClientMsg{Type: "ping"})
	r := next(t, c)
	assert.Equal(t, "pong", r.Get("type").String())
	assert.True(t, r.Get("payload.timestamp").Exists())
}

// 并发广播流量下 ping 只给发送者回一条 pong
func TestWS_PingPong_UnderTraffic(t *testing.T) {
	srv, url := newTestServer(t)
	a := connect(t, url, "ua")
	b := connect(t, url, "ub")

	bc := broadcast.New()
	bc.Attach(srv.Registry())
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bc.BroadcastToAll(context.Background(), event.Envelope{Type: event.TypeSystemMaintenance})
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	send(t, a, ClientMsg{Type: "ping"})
	send(t, a, ClientMsg{Type: "subscribe", Channel: "orders"})
	_, seen := until(t, a, event.TypeSubscribed)
	assert.Equal(t, 1, countOf(seen, event.TypePong))

	send(t, b, ClientMsg{Type: "subscribe", Channel: "orders"})
	_, seen = until(t, b, event.TypeSubscribed)
	assert.Zero(t, countOf(seen, event.TypePong))
}

func countOf(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestWS_InvalidChannel(t *testing.T) {
	srv, url := newTestServer(t)
	c := connect(t, url, "u1")
	id := srv.Registry().Stats().ConnectedUsers[0].ID
	before := srv.Registry().Channels(id)

	for _, bad := range []string{"random", "", "product.", "Alerts"} {
		send(t, c, ClientMsg{Type: "subscribe", Channel: bad})
		e := next(t, c)
		assert.Equal(t, "invalid_channel", e.Get("payload.type").String(), bad)
		assert.Equal(t, "Channel '"+bad+"' is not valid", e.Get("payload.message").String())
	}
	assert.Equal(t, before, srv.Registry().Channels(id))
}

func TestWS_SubscribeUnsubscribe(t *testing.T) {
	srv, url := newTestServer(t)
	c := connect(t, url, "u1")
	id := srv.Registry().Stats().ConnectedUsers[0].ID

	send(t, c, ClientMsg{Type: "subscribe", Channel: "inventory"})
	ack := next(t, c)
	assert.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "inventory", ack.Get("payload.channel").String())
	assert.Contains(t, srv.Registry().Channels(id), "inventory")

	send(t, c, ClientMsg{Type: "unsubscribe", Channel: "inventory"})
	ack = next(t, c)
	assert.Equal(t, "unsubscribed", ack.Get("type").String())
	assert.NotContains(t, srv.Registry().Channels(id), "inventory")
}

func TestWS_ProductSubscription(t *testing.T) {
	srv, url := newTestServer(t)
	c := connect(t, url, "u1")
	id := srv.Registry().Stats().ConnectedUsers[0].ID

	send(t, c, ClientMsg{Type: "SUBSCRIBE_PRODUCT", ProductID: "p1"})
	ack := next(t, c)
	assert.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "product.p1", ack.Get("payload.channel").String())
	assert.Equal(t, "p1", ack.Get("payload.productId").String())
	assert.Contains(t, srv.Registry().Channels(id), "product.p1")

	send(t, c, ClientMsg{Type: "unsubscribe-product", ProductID: "p1"})
	assert.Equal(t, "unsubscribed", next(t, c).Get("type").String())
	assert.NotContains(t, srv.Registry().Channels(id), "product.p1")

	send(t, c, ClientMsg{Type: "subscribe-product"})
	assert.Equal(t, "invalid_message", next(t, c).Get("payload.type").String())
}

func TestWS_SubscribeAlertsAndMetrics(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, "u1")

	send(t, c, ClientMsg{Type: "SUBSCRIBE_ALERTS"})
	ack := next(t, c)
	assert.Equal(t, "subscribed", ack.Get("type").String())
	assert.Equal(t, "alerts", ack.Get("payload.channel").String())
	cur := next(t, c)
	assert.Equal(t, "alerts.current", cur.Get("type").String())
	assert.Equal(t, int64(2), cur.Get("payload.alerts.#").Int())

	send(t, c, ClientMsg{Type: "GET_DASHBOARD_METRICS"})
	m := next(t, c)
	assert.Equal(t, "metrics.updated", m.Get("type").String())
	assert.Equal(t, "7.1", m.Get("payload.metrics.revenue.trend").String())
}

func TestWS_BadFramesAreNotTerminal(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, "u1")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid_message", next(t, c).Get("payload.type").String())

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`[1,2]`)))
	assert.Equal(t, "invalid_message", next(t, c).Get("payload.type").String())

	send(t, c, ClientMsg{Type: "dance"})
	e := next(t, c)
	assert.Equal(t, "unknown_message_type", e.Get("payload.type").String())
	assert.Equal(t, "Unknown message type 'dance'", e.Get("payload.message").String())

	send(t, c, ClientMsg{Type: "ping"})
	assert.Equal(t, "pong", next(t, c).Get("type").String())
}

func TestWS_MessageTokenReverified(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, "u1")

	send(t, c, ClientMsg{Type: "ping", Token: authtest.Token(t, "u1", "", "", time.Hour)})
	assert.Equal(t, "pong", next(t, c).Get("type").String())

	send(t, c, ClientMsg{Type: "ping", Token: authtest.Token(t, "someone-else", "", "", time.Hour)})
	assert.Equal(t, "authentication_failed", next(t, c).Get("payload.type").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
}

func TestWS_MessageTokenExpired(t *testing.T) {
	srv, url := newTestServer(t)
	c := connect(t, url, "u1")

	send(t, c, ClientMsg{Type: "subscribe", Channel: "alerts", Token: authtest.Token(t, "u1", "", "", -time.Minute)})
	assert.Equal(t, "authentication_failed", next(t, c).Get("payload.type").String())
	expectClosed(t, c, websocket.ClosePolicyViolation)
	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// A 订阅 alerts，B 不订阅；低库存告警 A 恰好收到一次，B 收不到
func TestWS_LowStockReachesOnlyAlertSubscribers(t *testing.T) {
	srv, url := newTestServer(t)
	a := connect(t, url, "ua")
	b := connect(t, url, "ub")

	send(t, a, ClientMsg{Type: "subscribe", Channel: "alerts"})
	until(t, a, event.TypeSubscribed)

	bc := broadcast.New()
	bc.Attach(srv.Registry())
	d, err := event.NewDomain(event.TypeStockChanged, event.StockChanged{ProductID: "p1", ProductName: "Coffee", Stock: 2, MinStock: 10})
	require.NoError(t, err)
	out, err := cascade.New(cascade.Config{}).Derive(d)
	require.NoError(t, err)
	bc.Deliver(context.Background(), out)

	alert, _ := until(t, a, event.TypeAlertCreated)
	assert.Equal(t, "alerts", alert.Get("channel").String())
	assert.Equal(t, "p1", alert.Get("payload.productId").String())

	send(t, a, ClientMsg{Type: "ping"})
	_, seen := until(t, a, event.TypePong)
	assert.Zero(t, countOf(seen, event.TypeAlertCreated), "exactly once")

	send(t, b, ClientMsg{Type: "ping"})
	_, seen = until(t, b, event.TypePong)
	assert.Zero(t, countOf(seen, event.TypeAlertCreated))
}

func TestWS_DisconnectLeavesAllChannels(t *testing.T) {
	srv, url := newTestServer(t)
	c := connect(t, url, "u1")
	send(t, c, ClientMsg{Type: "subscribe", Channel: "alerts"})
	until(t, c, event.TypeSubscribed)
	require.Equal(t, 1, srv.Registry().Count())

	_ = c.Close()
	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	bc := broadcast.New()
	bc.Attach(srv.Registry())
	for _, ch := range []string{"alerts", "global", "dashboard", "user.u1"} {
		assert.Empty(t, srv.Registry().Members(ch))
		assert.Zero(t, bc.BroadcastToChannel(context.Background(), ch, event.Envelope{Type: "x"}))
	}
}

func TestWS_Origin(t *testing.T) {
	_, url := newTestServer(t)
	tok := authtest.Token(t, "u1", "", "", time.Hour)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token="+tok, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	_ = c.Close()
}

func TestSession_SlowConsumerKicked(t *testing.T) {
	srv := NewServer(context.Background(), Config{SendBuffer: 1}, Deps{})
	s := newSession(srv, "c1", nil)

	assert.True(t, s.Offer([]byte("a")))
	assert.False(t, s.Offer([]byte("b")))
	assert.True(t, s.closed.Load())
	assert.Equal(t, "slow_consumer", s.reason())
	assert.False(t, s.Offer([]byte("c")), "closed session refuses frames")
}

func TestState(t *testing.T) {
	var b stateBox
	assert.Equal(t, StateConnecting, b.Load())
	assert.True(t, b.advance(StateAuthenticating))
	assert.True(t, b.advance(StateActive))
	assert.False(t, b.advance(StateAuthenticating), "no going back")
	assert.True(t, b.advance(StateDisconnected))
	assert.False(t, b.advance(StateDisconnected))
	assert.Equal(t, "disconnected", b.Load().String())
}

func TestParseClientMsg(t *testing.T) {
	m, ok := parseClientMsg([]byte(`{"type":"UNSUBSCRIBE_PRODUCT","productId":"p9","token":"t"}`))
	require.True(t, ok)
	assert.Equal(t, MsgUnsubscribeProduct, m.Type)
	assert.Equal(t, "p9", m.ProductID)
	assert.Equal(t, "t", m.Token)

	_, ok = parseClientMsg([]byte(`"ping"`))
	assert.False(t, ok)
	_, ok = parseClientMsg([]byte(`{"type":`))
	assert.False(t, ok)
}
