package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"stockwire.com/pkg/common"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/metrics"
	"stockwire.com/pkg/ratelimit"
	"stockwire.com/pkg/xerr"
)

// RateLimit 按 ip+route 限流；store 为 nil 时直接放行
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于“可控拒绝”，不要打堆栈
			metrics.RateLimitBlockTotal.WithLabelValues(route, "token_bucket").Inc()
			logger.Warn(c, "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			common.Fail(c, http.StatusTooManyRequests, xerr.TooManyRequests, xerr.MapErrMsg(xerr.TooManyRequests))
			c.Abort()
			return
		}
		c.Next()
	}
}
