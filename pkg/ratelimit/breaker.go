package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"stockwire.com/pkg/metrics"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32
	// Closed 状态计数窗口
	Interval time.Duration
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32
	TripFailureRate         float64 // 0~1
	TripMinRequests         uint32
}

func (r Rule) withDefaults() Rule {
	if r.MaxRequests == 0 {
		r.MaxRequests = 5
	}
	if r.Timeout <= 0 {
		r.Timeout = 3 * time.Second
	}
	if r.Interval <= 0 {
		r.Interval = 10 * time.Second
	}
	if r.TripConsecutiveFailures == 0 && r.TripFailureRate == 0 {
		r.TripConsecutiveFailures = 10
	}
	if r.TripMinRequests == 0 {
		r.TripMinRequests = 20
	}
	return r
}

// Manager 按依赖名懒创建熔断器。Benign 返回 true 的错误不计入失败（比如 key 不存在）。
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[[]byte]

	rule   Rule
	Benign func(error) bool
}

func NewManager(rule Rule) *Manager {
	return &Manager{
		m:    make(map[string]*gobreaker.CircuitBreaker[[]byte], 8),
		rule: rule.withDefaults(),
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[[]byte] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule := m.rule
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: m.isSuccessful,
	}
	cb = gobreaker.NewCircuitBreaker[[]byte](st)
	m.m[name] = cb
	return cb
}

// Execute 走熔断器执行 fn；被熔断器拒绝时计数，直接 fail-fast
func (m *Manager) Execute(name string, fn func() ([]byte, error)) ([]byte, error) {
	b, err := m.Get(name).Execute(fn)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		metrics.CBRejectTotal.WithLabelValues(name, "open").Inc()
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CBRejectTotal.WithLabelValues(name, "too_many").Inc()
	}
	return b, err
}

func (m *Manager) isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	if m.Benign != nil && m.Benign(err) {
		return true
	}
	return false
}

// IsRejected reports whether err came from the breaker itself rather than the dependency.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
