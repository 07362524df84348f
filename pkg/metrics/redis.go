package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "app_redis_pool_open",
		Help: "Current open redis connections",
	})
	RedisPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
	RedisPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_inuse"})
	RedisPoolWaitCount    = promauto.NewCounter(prometheus.CounterOpts{Name: "app_redis_pool_wait_count"})
	RedisPoolWaitDuration = promauto.NewCounter(prometheus.CounterOpts{Name: "app_redis_pool_wait_seconds"})
	RedisPoolTimeouts     = promauto.NewCounter(prometheus.CounterOpts{Name: "app_redis_pool_timeouts_total"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"cmd", "status"})
)

// PoolStater is satisfied by *redis.Client.
type PoolStater interface {
	PoolStats() *redis.PoolStats
}

// ObserveRedisPool 周期采集连接池指标，ctx 结束返回 nil
func ObserveRedisPool(ctx context.Context, rdb PoolStater, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	var last redis.PoolStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			last = recordPool(rdb.PoolStats(), last)
		}
	}
}

// recordPool 更新 gauge，计数类只加增量
func recordPool(st *redis.PoolStats, last redis.PoolStats) redis.PoolStats {
	if st == nil {
		return last
	}
	RedisPoolOpen.Set(float64(st.TotalConns))
	RedisPoolIdle.Set(float64(st.IdleConns))
	if st.TotalConns >= st.IdleConns {
		RedisPoolInuse.Set(float64(st.TotalConns - st.IdleConns))
	}

	// 字段是无符号的，先比较再减
	if st.WaitCount > last.WaitCount {
		RedisPoolWaitCount.Add(float64(st.WaitCount - last.WaitCount))
	}
	if st.WaitDurationNs > last.WaitDurationNs {
		RedisPoolWaitDuration.Add(time.Duration(st.WaitDurationNs - last.WaitDurationNs).Seconds())
	}
	if st.Timeouts > last.Timeouts {
		RedisPoolTimeouts.Add(float64(st.Timeouts - last.Timeouts))
	}
	return *st
}

// ObserveRedisCmd records one command latency; used around snapshot reads.
func ObserveRedisCmd(cmd string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == redis.Nil:
		status = "nil"
	case err != nil:
		status = "err"
	}
	RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}
