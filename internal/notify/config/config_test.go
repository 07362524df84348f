package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stockwire.com/internal/notify/event"
	vipConfig "stockwire.com/pkg/config"
)

func TestNormalize_Defaults(t *testing.T) {
	c := GatewayConfig{Auth: AuthConfig{JWTSecret: "s"}}
	require.NoError(t, c.Normalize())
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "/ws", c.WS.Path)
	assert.Equal(t, 10*time.Second, c.WS.HandshakeTimeout)
	assert.Equal(t, "mem", c.Broker.Kind)
	assert.NotEmpty(t, c.WS.AllowedOrigins)
}

func TestNormalize_Errors(t *testing.T) {
	c := GatewayConfig{}
	assert.Error(t, c.Normalize(), "secret required")

	c = GatewayConfig{Auth: AuthConfig{JWTSecret: "s"}, Broker: BrokerConfig{Kind: "nats"}}
	assert.Error(t, c.Normalize(), "nats needs url")

	c = GatewayConfig{Auth: AuthConfig{JWTSecret: "s"}, Broker: BrokerConfig{Kind: "kafka"}}
	assert.Error(t, c.Normalize())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notify-gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: notify-gateway
http:
  addr: ":9000"
auth:
  jwtSecret: from-file
ws:
  handshakeTimeout: 3s
  allowedOrigins: ["*"]
  sendBuffer: 64
cascade:
  outOfStockAt: 1
  outOfStockSeverity: error
breaker:
  tripConsecutiveFailures: 3
`), 0o644))

	var c GatewayConfig
	_, err := vipConfig.LoadFile("notify-gateway-test", path, &c, nil)
	require.NoError(t, err)
	require.NoError(t, c.Normalize())

	assert.Equal(t, ":9000", c.HTTP.Addr)
	assert.Equal(t, "from-file", c.Auth.JWTSecret)
	assert.Equal(t, 3*time.Second, c.WS.HandshakeTimeout)
	assert.Equal(t, []string{"*"}, c.WS.AllowedOrigins)
	assert.Equal(t, 64, c.WS.SendBuffer)
	assert.Equal(t, int64(1), c.Cascade.OutOfStockAt)
	assert.Equal(t, event.SeverityError, c.Cascade.OutOfStockSeverity)
	assert.Equal(t, uint32(3), c.Breaker.TripConsecutiveFailures)
}
