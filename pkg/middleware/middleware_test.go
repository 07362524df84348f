package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"stockwire.com/pkg/common"
	"stockwire.com/pkg/metrics"
	"stockwire.com/pkg/ratelimit"
)

func newEngine(store *ratelimit.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ReqId(), Recover(), RateLimit(store))
	r.GET("/ok", func(c *gin.Context) { common.Success(c, common.RequestIDFromGin(c)) })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/panic-late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("boom")
	})
	return r
}

func TestReqId_GeneratedAndEchoed(t *testing.T) {
	r := newEngine(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(common.HeaderRequestID, "rid-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "rid-1", w.Header().Get(common.HeaderRequestID))
	assert.Contains(t, w.Body.String(), "rid-1")
}

func TestRecover(t *testing.T) {
	r := newEngine(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// 已经写出的响应不再覆盖
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic-late", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRateLimit(t *testing.T) {
	r := newEngine(ratelimit.NewStore(1, 2, time.Minute))
	blocked := metrics.RateLimitBlockTotal.WithLabelValues("/ok", "token_bucket")
	before := testutil.ToFloat64(blocked)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, before+1, testutil.ToFloat64(blocked))
}
