package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"stockwire.com/internal/notify/channel"
	"stockwire.com/internal/notify/wsmetrics"
	"stockwire.com/pkg/logger"
)

var ErrInvalidChannel = errors.New("hub: invalid channel")

// Registry 是唯一的共享可变状态：连接表 + 每个连接加入的频道集合，全部由 mu 保护。
// 对不存在的连接 id 做操作一律是 no-op（断开和广播之间的正常竞争）。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn, 1024)}
}

// Register stores c, replacing any entry with the same id.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	_, replaced := r.conns[c.ID]
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	if !replaced {
		wsmetrics.Conns.Inc()
	}
	logger.Debug(context.Background(), "connection registered",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.Identity.UserID),
		zap.Int("active", n),
	)
}

// Unregister removes id and returns the removed entry, or nil when absent.
func (r *Registry) Unregister(id string) *Conn {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	wsmetrics.Conns.Dec()
	logger.Debug(context.Background(), "connection unregistered",
		zap.String("conn_id", id),
		zap.Int("active", n),
	)
	return c
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Members 在调用时扫描所有连接，返回快照；不缓存。
func (r *Registry) Members(ch string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, 16)
	for _, c := range r.conns {
		if _, ok := c.channels[ch]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Join adds ch to the connection's set. An invalid name is rejected with
// ErrInvalidChannel and no state change; an unknown id is a no-op.
func (r *Registry) Join(id, ch string) error {
	if !channel.IsValid(ch) {
		wsmetrics.SubOpsTotal.WithLabelValues("reject").Inc()
		return ErrInvalidChannel
	}
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.channels[ch] = struct{}{}
	}
	r.mu.Unlock()
	wsmetrics.SubOpsTotal.WithLabelValues("join").Inc()
	return nil
}

// Leave needs no validation; leaving a channel never joined is a no-op.
func (r *Registry) Leave(id, ch string) {
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		delete(c.channels, ch)
	}
	r.mu.Unlock()
	wsmetrics.SubOpsTotal.WithLabelValues("leave").Inc()
}

// Channels returns the connection's joined set, sorted.
func (r *Registry) Channels(id string) []string {
	r.mu.RLock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

type ConnStat struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
	Channels    []string  `json:"channels"`
}

type Stats struct {
	TotalConnections int        `json:"totalConnections"`
	ConnectedUsers   []ConnStat `json:"connectedUsers"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	st := Stats{ConnectedUsers: make([]ConnStat, 0, len(r.conns))}
	for _, c := range r.conns {
		chs := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			chs = append(chs, ch)
		}
		sort.Strings(chs)
		st.ConnectedUsers = append(st.ConnectedUsers, ConnStat{
			ID:          c.ID,
			UserID:      c.Identity.UserID,
			Email:       c.Identity.Email,
			Role:        c.Identity.Role,
			ConnectedAt: c.ConnectedAt,
			Channels:    chs,
		})
	}
	r.mu.RUnlock()

	st.TotalConnections = len(st.ConnectedUsers)
	sort.Slice(st.ConnectedUsers, func(i, j int) bool {
		return st.ConnectedUsers[i].ConnectedAt.Before(st.ConnectedUsers[j].ConnectedAt)
	})
	return st
}
