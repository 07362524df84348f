// Package notifyclient is a subscriber for the notification gateway. It
// reconnects with jittered backoff and re-issues its own subscriptions,
// because the gateway starts every connection with the default channel set.
package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized 握手被拒（policy violation），重连也没用
	ErrUnauthorized = errors.New("notifyclient: unauthorized")
	ErrNotConnected = errors.New("notifyclient: not connected")
)

type Envelope struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type request struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

type Client struct {
	URL   string
	Token string

	OnEnvelope  func(Envelope) // 回调别阻塞太久，否则会拖慢 Read
	Log         *zap.Logger
	StableReset time.Duration // 连接存活多久才重置 backoff
	PingEvery   time.Duration
	ReadTimeout time.Duration // 0 表示不设
	MaxBackoff  time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}
	products map[string]struct{}
}

func New(rawURL, token string) *Client {
	return &Client{
		URL:      rawURL,
		Token:    token,
		channels: make(map[string]struct{}),
		products: make(map[string]struct{}),
	}
}

func (c *Client) defaults() {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.StableReset == 0 {
		c.StableReset = 10 * time.Second
	}
	if c.PingEvery == 0 {
		c.PingEvery = 20 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	if c.products == nil {
		c.products = make(map[string]struct{})
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials and serves until ctx ends or the gateway rejects the token.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.defaults()
	c.mu.Unlock()

	target, err := c.dialURL()
	if err != nil {
		return err
	}

	backoff := 200 * time.Millisecond
	rng := newRand()

	for ctx.Err() == nil {
		// Dial timeout：避免网络黑洞卡死
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, _, err := websocket.Dial(dctx, target, nil)
		cancel()
		if err != nil {
			sleep := jitter(rng, backoff)
			c.Log.Warn("dial failed", zap.String("url", c.URL), zap.Duration("retry_in", sleep), zap.Error(err))
			if !sleepCtx(ctx, sleep) {
				return ctx.Err()
			}
			backoff = minDur(backoff*2, c.MaxBackoff)
			continue
		}

		start := time.Now()
		authed, err := c.serveConn(ctx, conn)
		c.setConn(nil)
		_ = conn.CloseNow()

		if !authed && websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return ErrUnauthorized
		}
		// 连接稳定才重置 backoff，避免重连风暴
		if time.Since(start) >= c.StableReset {
			backoff = 200 * time.Millisecond
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Info("connection ended", zap.Error(err), zap.Int("close_status", int(websocket.CloseStatus(err))))
		}
		if ctx.Err() == nil && !sleepCtx(ctx, jitter(rng, backoff)) {
			break
		}
	}
	return ctx.Err()
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// serveConn 返回值 authed 表示是否收到过 connection 信封
func (c *Client) serveConn(ctx context.Context, conn *websocket.Conn) (authed bool, err error) {
	conn.SetReadLimit(1 << 20)
	c.setConn(conn)
	// 重连后自己补订阅
	for _, r := range c.replay() {
		if err := c.write(ctx, conn, r); err != nil {
			return false, err
		}
	}

	type result struct {
		env Envelope
		err error
	}
	readCh := make(chan result, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			rctx, cancel := ctx, context.CancelFunc(func() {})
			if c.ReadTimeout > 0 {
				rctx, cancel = context.WithTimeout(ctx, c.ReadTimeout)
			}
			var env Envelope
			err := wsjson.Read(rctx, conn, &env)
			cancel()
			select {
			case readCh <- result{env, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pingT := time.NewTicker(c.PingEvery)
	defer pingT.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return authed, ctx.Err()
		case r := <-readCh:
			if r.err != nil {
				return authed, r.err
			}
			if r.env.Type == "connection" {
				authed = true
			}
			if c.OnEnvelope != nil {
				c.OnEnvelope(r.env)
			}
		case <-pingT.C:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return authed, err
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, r request) error {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, r)
}

func (c *Client) replay() []request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]request, 0, len(c.channels)+len(c.products))
	for _, ch := range sortedKeys(c.channels) {
		out = append(out, request{Type: "subscribe", Channel: ch})
	}
	for _, id := range sortedKeys(c.products) {
		out = append(out, request{Type: "subscribe-product", ProductID: id})
	}
	return out
}

// send 记录订阅状态后尽量发出；未连接时只记录，重连后自动补发
func (c *Client) send(ctx context.Context, r request, update func()) error {
	c.mu.Lock()
	if c.channels == nil {
		c.defaults()
	}
	if update != nil {
		update()
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, r)
}

func (c *Client) Subscribe(ctx context.Context, channel string) error {
	return c.send(ctx, request{Type: "subscribe", Channel: channel}, func() { c.channels[channel] = struct{}{} })
}

func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	return c.send(ctx, request{Type: "unsubscribe", Channel: channel}, func() { delete(c.channels, channel) })
}

func (c *Client) SubscribeProduct(ctx context.Context, productID string) error {
	return c.send(ctx, request{Type: "subscribe-product", ProductID: productID}, func() { c.products[productID] = struct{}{} })
}

func (c *Client) UnsubscribeProduct(ctx context.Context, productID string) error {
	return c.send(ctx, request{Type: "unsubscribe-product", ProductID: productID}, func() { delete(c.products, productID) })
}

// Ping sends the application-level ping; the gateway answers with a pong envelope.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, request{Type: "ping"}, nil)
}

func (c *Client) GetDashboardMetrics(ctx context.Context) error {
	return c.send(ctx, request{Type: "get-dashboard-metrics"}, nil)
}

// Subscriptions returns the channels the client will restore on reconnect.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := sortedKeys(c.channels)
	for _, id := range sortedKeys(c.products) {
		out = append(out, "product."+id)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newRand() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) }

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	f := 0.5 + rng.Float64() // 0.5x~1.5x
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
