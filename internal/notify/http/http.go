package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"stockwire.com/internal/notify/cascade"
	"stockwire.com/internal/notify/event"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/relay"
	"stockwire.com/internal/notify/ws"
	"stockwire.com/pkg/common"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/middleware"
	"stockwire.com/pkg/ratelimit"
	"stockwire.com/pkg/xerr"
)

const HeaderIngestKey = "X-Ingest-Key"

type Deps struct {
	Name      string
	WS        *ws.Server
	Registry  *hub.Registry
	Relay     *relay.Relay
	Limiter   *ratelimit.Store // 只挂在 ws 升级路由上
	IngestKey string
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	// 监控
	p := ginprom.NewPrometheus("notify")
	p.Use(r)
	r.Use(
		otelgin.Middleware(d.Name),
		middleware.ReqId(),
		corsMiddleware(d.WS.Config().AllowedOrigins),
		middleware.Recover(),
	)

	r.GET(d.WS.Config().Path, middleware.RateLimit(d.Limiter), gin.WrapF(d.WS.ServeWS))
	r.GET("/healthz", func(c *gin.Context) {
		common.Success(c, gin.H{"status": "ok", "connections": d.Registry.Count()})
	})

	api := r.Group("/api/notify")
	api.GET("/stats", func(c *gin.Context) {
		common.Success(c, d.Registry.Stats())
	})
	api.POST("/events", ingestKey(d.IngestKey), ingest(d.Relay))
	return r
}

func NewServer(addr string, h http.Handler, readTimeout time.Duration) *http.Server {
	// ws 是长连接，不设 WriteTimeout
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", common.HeaderRequestID, HeaderIngestKey},
		ExposeHeaders:    []string{common.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}

func ingestKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderIngestKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			common.FailErr(c, xerr.NewErrCode(xerr.Unauthorized))
			c.Abort()
			return
		}
		c.Next()
	}
}

var knownTypes = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, t := range cascade.Types() {
		m[t] = struct{}{}
	}
	return m
}()

// ingest POST /api/notify/events
// 默认异步发到 broker（202）；?sync=true 时直接 derive+deliver，返回接收数
func ingest(rl *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			common.FailErr(c, xerr.NewErrCode(xerr.RequestParamsError))
			return
		}
		d, err := event.DecodeDomain(body)
		if err != nil {
			common.FailErr(c, xerr.New(xerr.RequestParamsError, "invalid domain event: "+err.Error()))
			return
		}
		if _, ok := knownTypes[d.Type]; !ok {
			common.FailErr(c, xerr.New(xerr.RequestParamsError, "unknown event type: "+d.Type))
			return
		}

		sync, _ := strconv.ParseBool(c.Query("sync"))
		if sync {
			n, err := rl.Dispatch(c, d)
			if err != nil {
				if errors.Is(err, cascade.ErrInvalidData) {
					common.FailErr(c, xerr.New(xerr.RequestParamsError, err.Error()))
					return
				}
				common.FailErr(c, err)
				return
			}
			common.Success(c, gin.H{"type": d.Type, "recipients": n})
			return
		}

		if err := rl.Publish(c, d); err != nil {
			logger.Error(c, "publish domain event", zap.String("type", d.Type), zap.Error(err))
			common.FailErr(c, xerr.NewErrCode(xerr.Unavailable))
			return
		}
		common.Accepted(c, gin.H{"type": d.Type, "topic": rl.Topic()})
	}
}
