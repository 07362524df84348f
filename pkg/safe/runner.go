package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"stockwire.com/pkg/logger"
)

// Go 安全启动协程；panic 会被记录而不是打挂整个进程。
func Go(name string, fn func()) {
	go func() {
		defer recoverAndLog(context.Background(), name)
		fn()
	}()
}

// GoCtx 同 Go，但日志里保留 ctx 的链路信息。
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx, name)
		fn(ctx)
	}()
}

// Run calls fn on the current goroutine and turns a panic into a log line.
func Run(ctx context.Context, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logPanic(ctx, name, r)
		}
	}()
	fn()
	return false
}

func recoverAndLog(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, name, r)
	}
}

func logPanic(ctx context.Context, name string, r any) {
	logger.Error(ctx, "goroutine panic recovered",
		zap.String("goroutine", name),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
}
