package wsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_conns",
		Help: "Registered (authenticated) websocket connections",
	})
	ConnOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_conn_open_total",
		Help: "Total websocket connections upgraded",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_conn_close_total",
		Help: "Total websocket connections closed, partitioned by reason",
	}, []string{"reason"})
	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_total",
		Help: "Authentication attempts, partitioned by stage (connect/message) and result",
	}, []string{"stage", "result"})

	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sub_ops_total",
		Help: "Total subscription operations",
	}, []string{"op"}) // join/leave/reject
	InboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_inbound_total",
		Help: "Inbound client messages by type",
	}, []string{"type"})

	MsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_msgs_out_total",
		Help: "Total websocket messages written",
	})
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_out_total",
		Help: "Total websocket bytes written",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_write_errors_total",
		Help: "Total websocket write errors",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_total",
		Help: "Total messages not delivered",
	}, []string{"why"})

	PingSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_ping_sent_total",
		Help: "Total ping control frames sent",
	})

	BroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_broadcast_total",
		Help: "Broadcast calls by target kind",
	}, []string{"target"})
	BroadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_broadcast_recipients",
		Help:    "Members reached per broadcast call",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	DerivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_cascade_derived_total",
		Help: "Envelopes produced by the cascade engine, by envelope type",
	}, []string{"type"})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_write_duration_seconds",
		Help:    "Duration of a websocket write",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
)

func OnOpen() {
	ConnOpenTotal.Inc()
}

func OnClose(reason string) {
	ConnCloseTotal.WithLabelValues(reason).Inc()
}

func ObserveWrite(bytes int, dur time.Duration, err error) {
	WriteDuration.Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.Inc()
		return
	}
	MsgsOutTotal.Inc()
	BytesOutTotal.Add(float64(bytes))
}

// TargetKind 把频道归到低基数 label：product.<id>/user.<id> 不能直接做 label
func TargetKind(ch string) string {
	for i := 0; i < len(ch); i++ {
		if ch[i] == '.' {
			return ch[:i]
		}
	}
	return ch
}
