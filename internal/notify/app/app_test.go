package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	notifyConfig "stockwire.com/internal/notify/config"
)

func testConfig() notifyConfig.GatewayConfig {
	return notifyConfig.GatewayConfig{
		HTTP: notifyConfig.HTTPConfig{Addr: "127.0.0.1:0"},
		Auth: notifyConfig.AuthConfig{JWTSecret: "s3cret"},
		Log:  notifyConfig.LogConfig{Level: "error", File: "-"},
	}
}

func TestNewWithConfig_Validates(t *testing.T) {
	_, err := NewWithConfig(notifyConfig.GatewayConfig{})
	assert.Error(t, err)

	a, err := NewWithConfig(testConfig())
	require.NoError(t, err)
	assert.Equal(t, ServiceName, a.Config().Name)
	assert.Equal(t, "mem", a.Config().Broker.Kind)
}

func TestRun_GracefulShutdown(t *testing.T) {
	a, err := NewWithConfig(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NatsUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = notifyConfig.BrokerConfig{Kind: "nats", URL: "nats://127.0.0.1:1"}
	a, err := NewWithConfig(cfg)
	require.NoError(t, err)
	assert.Error(t, a.Run(context.Background()))
}
