package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	RequestParamsError = 400
	Unauthorized       = 401
	Forbidden          = 403
	RecordNotFound     = 404
	TooManyRequests    = 429
	ServerCommonError  = 500
	Unavailable        = 503
)

// Client-visible error types carried in websocket error envelopes.
const (
	TypeAuthFailed     = "authentication_failed"
	TypeInvalidChannel = "invalid_channel"
	TypeInvalidMessage = "invalid_message"
	TypeUnknownMessage = "unknown_message_type"
	TypeInternal       = "internal_error"
)

type CodeError struct {
	Code int    `json:"code"`
	Type string `json:"type,omitempty"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("ErrCode:%d, Type:%s, Msg:%s", e.Code, e.Type, e.Msg)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

// NewTyped builds a CodeError that maps onto a websocket error envelope.
func NewTyped(code int, typ, msg string) *CodeError {
	return &CodeError{Code: code, Type: typ, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// From 取出错误链上的 CodeError；没有时返回 500。
func From(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodeError{Code: ServerCommonError, Type: TypeInternal, Msg: MapErrMsg(ServerCommonError)}
}

func MapErrMsg(code int) string {
	switch code {
	case RequestParamsError:
		return "invalid request parameters"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RecordNotFound:
		return "record not found"
	case TooManyRequests:
		return "too many requests"
	case Unavailable:
		return "service unavailable"
	case ServerCommonError:
		return "internal error"
	default:
		return "unknown error"
	}
}
