package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

// Accepted is Success with 202, for work handed off asynchronously.
func Accepted(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusAccepted, Response{
		Code:    http.StatusAccepted,
		Message: http.StatusText(http.StatusAccepted),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 把 xerr.CodeError 映射成 http 状态码；非 CodeError 一律 500 并记日志
func FailErr(c *gin.Context, err error) {
	ce := xerr.From(err)
	status := ce.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Warn(c, "http error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	Fail(c, status, ce.Code, ce.Msg)
}
