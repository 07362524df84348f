package notifyclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"stockwire.com/internal/notify/auth/authtest"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/snapshot"
	"stockwire.com/internal/notify/ws"
)

func gateway(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := ws.NewServer(ctx, ws.Config{}, ws.Deps{
		Registry: hub.NewRegistry(),
		Verifier: authtest.Verifier(t),
		Snapshot: snapshot.Static{},
	})
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func wait(t *testing.T, ch <-chan Envelope, typ string) Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %q envelope", typ)
			return Envelope{}
		}
	}
}

func TestClient_SubscribeAgainstGateway(t *testing.T) {
	url := gateway(t)
	envs := make(chan Envelope, 64)
	c := New(url, authtest.Token(t, "u1", "u1@example.com", "manager", time.Hour))
	c.OnEnvelope = func(e Envelope) { envs <- e }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn := wait(t, envs, "connection")
	assert.Equal(t, "u1", gjson.GetBytes(conn.Payload, "userId").String())

	require.NoError(t, c.Subscribe(ctx, "alerts"))
	ack := wait(t, envs, "subscribed")
	assert.Equal(t, "alerts", gjson.GetBytes(ack.Payload, "channel").String())

	require.NoError(t, c.Ping(ctx))
	wait(t, envs, "pong")

	assert.Equal(t, []string{"alerts"}, c.Subscriptions())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClient_Unauthorized(t *testing.T) {
	url := gateway(t)
	c := New(url, authtest.TokenWithSecret(t, "wrong", "u1", "", "", time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), ErrUnauthorized)
}

func TestClient_OfflineSubscribeIsRecorded(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", "t")
	assert.ErrorIs(t, c.Subscribe(context.Background(), "alerts"), ErrNotConnected)
	assert.ErrorIs(t, c.SubscribeProduct(context.Background(), "p1"), ErrNotConnected)
	assert.Equal(t, []string{"alerts", "product.p1"}, c.Subscriptions())

	_ = c.Unsubscribe(context.Background(), "alerts")
	assert.Equal(t, []string{"product.p1"}, c.Subscriptions())
}

// 第一条连接收到订阅后被服务端关掉，第二条连接应收到同样的订阅
func TestClient_ReplaysAfterReconnect(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
		got   [][]string
	)
	second := make(chan struct{})

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		ctx := r.Context()
		_ = wsjson.Write(ctx, c, map[string]any{"channel": "system", "type": "connection", "payload": map[string]any{}})
		var reqs []string
		for i := 0; i < 2; i++ {
			var m map[string]string
			if err := wsjson.Read(ctx, c, &m); err != nil {
				return
			}
			reqs = append(reqs, m["type"]+":"+m["channel"]+m["productId"])
		}
		mu.Lock()
		got = append(got, reqs)
		mu.Unlock()

		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		close(second)
		<-ctx.Done()
	}))
	defer hs.Close()

	c := New("ws"+strings.TrimPrefix(hs.URL, "http"), "t")
	_ = c.Subscribe(context.Background(), "alerts")
	_ = c.SubscribeProduct(context.Background(), "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	want := []string{"subscribe:alerts", "subscribe-product:p1"}
	assert.Equal(t, want, got[0])
	assert.Equal(t, want, got[1])
}

func TestJitterBounds(t *testing.T) {
	rng := newRand()
	for i := 0; i < 100; i++ {
		d := jitter(rng, time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}
