package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"stockwire.com/pkg/logger"
)

// LoadAndWatch 读取 config/{service}.yaml 并监听文件变更。
// onChange 可以为 nil；热更新成功后回调。
//
// 环境变量覆盖，例如：
//
//	NOTIFY_GATEWAY_HTTP_ADDR    覆盖 http.addr
//	NOTIFY_GATEWAY_AUTH_JWTSECRET 覆盖 auth.jwtSecret
func LoadAndWatch(service string, out interface{}, onChange func()) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	return load(v, service, out, onChange)
}

// LoadFile reads an explicit yaml file; same env override and watch rules as LoadAndWatch.
func LoadFile(service, path string, out interface{}, onChange func()) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, service, out, onChange)
}

func load(v *viper.Viper, service string, out interface{}, onChange func()) (*viper.Viper, error) {
	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	ctx := context.Background()
	logger.Info(ctx, "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(ctx, "config file changed", zap.String("file", e.Name))
		if err := v.Unmarshal(out); err != nil {
			logger.Error(ctx, "reload config", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange()
		}
	})
	return v, nil
}

// notify-gateway -> NOTIFY_GATEWAY
func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
