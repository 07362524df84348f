package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys read by the ctx-aware helpers below.
const (
	TraceIdKey   = "trace_id"
	RequestIdKey = "request_id"
)

// Log 全局 Logger。未 Init 前是 Nop，库代码和测试可以直接调用。
var Log = zap.NewNop()

// Options 日志配置
type Options struct {
	Level string // debug, info, warn, error
	// File 为空时写 logs/{service}.log；设为 "-" 只写 stdout
	File string
}

// Init 初始化日志组件
func Init(serviceName string, level string) {
	InitWithOptions(serviceName, Options{Level: level})
}

// InitWithOptions builds the JSON logger: stdout plus an optional append-only file.
func InitWithOptions(serviceName string, opt Options) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(opt.Level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if f := openLogFile(serviceName, opt.File); f != nil {
		writeSyncers = append(writeSyncers, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// AddCallerSkip(1)：跳过本包的封装函数，行号指向调用方
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// 打开失败只输出到控制台，不中断启动
func openLogFile(serviceName, path string) *os.File {
	if path == "-" {
		return nil
	}
	if path == "" {
		path = filepath.Join("logs", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return f
}

// ForConn returns a child logger carrying the websocket session identity.
func ForConn(connID, userID string) *zap.Logger {
	return Log.With(zap.String("conn_id", connID), zap.String("user_id", userID))
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withCtx(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withCtx(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withCtx(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withCtx(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withCtx(ctx, fields)...)
}

// withCtx 从 ctx 里取 trace_id / request_id 追加到 fields
func withCtx(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if v, ok := ctx.Value(TraceIdKey).(string); ok && v != "" {
		fields = append(fields, zap.String(TraceIdKey, v))
	}
	if v, ok := ctx.Value(RequestIdKey).(string); ok && v != "" {
		fields = append(fields, zap.String(RequestIdKey, v))
	}
	return fields
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
