package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/event"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/metrics"
	"stockwire.com/pkg/ratelimit"
)

const breakerName = "snapshot-redis"

// Getter is the slice of the redis client the provider needs.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type RedisConfig struct {
	MetricsKey string `mapstructure:"metricsKey" yaml:"metricsKey"`
	AlertsKey  string `mapstructure:"alertsKey" yaml:"alertsKey"`
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.MetricsKey == "" {
		c.MetricsKey = "notify:snapshot:dashboard"
	}
	if c.AlertsKey == "" {
		c.AlertsKey = "notify:snapshot:alerts"
	}
	return c
}

// Redis 读 JSON 文档；key 不存在、熔断打开时降级到 fallback。
// 其它错误（超时/连接失败）计入熔断，同样降级，但会打 warn。
type Redis struct {
	rdb      Getter
	cfg      RedisConfig
	cb       *ratelimit.Manager
	fallback Provider
}

func NewRedis(rdb Getter, cfg RedisConfig, cb *ratelimit.Manager, fallback Provider) *Redis {
	if cb == nil {
		cb = ratelimit.NewManager(ratelimit.Rule{})
	}
	if cb.Benign == nil {
		cb.Benign = func(err error) bool { return errors.Is(err, redis.Nil) }
	}
	if fallback == nil {
		fallback = Static{}
	}
	return &Redis{rdb: rdb, cfg: cfg.withDefaults(), cb: cb, fallback: fallback}
}

func (r *Redis) load(ctx context.Context, key string, out any) (bool, error) {
	raw, err := r.cb.Execute(breakerName, func() ([]byte, error) {
		start := time.Now()
		b, err := r.rdb.Get(ctx, key).Bytes()
		metrics.ObserveRedisCmd("get", start, err)
		return b, err
	})
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		return false, nil
	case ratelimit.IsRejected(err):
		logger.Debug(ctx, "snapshot breaker open", zap.String("key", key))
		return false, nil
	default:
		logger.Warn(ctx, "snapshot redis read failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("snapshot: decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) DashboardMetrics(ctx context.Context) (DashboardMetrics, error) {
	var m DashboardMetrics
	ok, err := r.load(ctx, r.cfg.MetricsKey, &m)
	if err != nil {
		return DashboardMetrics{}, err
	}
	if !ok {
		return r.fallback.DashboardMetrics(ctx)
	}
	if m.Revenue.Trend.IsZero() {
		m.Revenue.Trend = TrendPercent(m.Revenue.Current, m.Revenue.Previous)
	}
	return m, nil
}

func (r *Redis) CurrentAlerts(ctx context.Context) ([]event.Alert, error) {
	var alerts []event.Alert
	ok, err := r.load(ctx, r.cfg.AlertsKey, &alerts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fallback.CurrentAlerts(ctx)
	}
	return alerts, nil
}
