package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"stockwire.com/internal/notify/auth"
	"stockwire.com/internal/notify/broadcast"
	"stockwire.com/internal/notify/cascade"
	notifyConfig "stockwire.com/internal/notify/config"
	ghttp "stockwire.com/internal/notify/http"
	"stockwire.com/internal/notify/hub"
	"stockwire.com/internal/notify/relay"
	"stockwire.com/internal/notify/snapshot"
	"stockwire.com/internal/notify/ws"
	vipConfig "stockwire.com/pkg/config"
	"stockwire.com/pkg/logger"
	"stockwire.com/pkg/metrics"
	"stockwire.com/pkg/ratelimit"
	"stockwire.com/pkg/trace"
	"stockwire.com/pkg/xredis"
)

const ServiceName = "notify-gateway"

type App struct {
	cfg notifyConfig.GatewayConfig

	reg     *hub.Registry
	bc      *broadcast.Broadcaster
	broker  relay.Broker
	relay   *relay.Relay
	rdb     *redis.Client
	wsSrv   *ws.Server
	limiter *ratelimit.Store
	httpSrv *http.Server

	traceShutdown func(context.Context) error
}

// New 加载配置；path 为空时读 ./config/notify-gateway.yaml
func New(path string) (*App, error) {
	var cfg notifyConfig.GatewayConfig
	onChange := func() {
		logger.Info(context.Background(), "config reloaded; listener, auth and broker changes apply on restart")
	}
	var err error
	if path == "" {
		_, err = vipConfig.LoadAndWatch(ServiceName, &cfg, onChange)
	} else {
		_, err = vipConfig.LoadFile(ServiceName, path, &cfg, onChange)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

func NewWithConfig(cfg notifyConfig.GatewayConfig) (*App, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg}, nil
}

func (a *App) Config() notifyConfig.GatewayConfig { return a.cfg }

// Registry is nil until Run has built the components.
func (a *App) Registry() *hub.Registry { return a.reg }

// Run builds every component and blocks until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	logger.InitWithOptions(a.cfg.Name, logger.Options{Level: a.cfg.Log.Level, File: a.cfg.Log.File})
	defer logger.Sync()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.build(gctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("addr", a.cfg.HTTP.Addr), zap.String("ws", a.cfg.WS.Path))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.relay.Run(gctx, a.cfg.Broker.Topics) })
	g.Go(func() error { return a.limiter.Run(gctx, time.Minute) })
	if a.rdb != nil {
		// redis 连接池监控
		g.Go(func() error { return metrics.ObserveRedisPool(gctx, a.rdb, 5*time.Second) })
	}

	var pprofSrv *http.Server
	if a.cfg.Pprof.Addr != "" {
		pprofSrv = &http.Server{Addr: a.cfg.Pprof.Addr, Handler: http.DefaultServeMux}
		g.Go(func() error {
			if err := pprofSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
		}
		if pprofSrv != nil {
			_ = pprofSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	logger.Info(context.Background(), "notify gateway exit", zap.Error(err))
	return err
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	shutdown, err := trace.InitTrace(cfg.Name, cfg.Trace.Host, cfg.Trace.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.traceShutdown = shutdown

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	a.broker, err = a.newBroker()
	if err != nil {
		return err
	}

	a.reg = hub.NewRegistry()
	a.bc = broadcast.New()
	a.relay = relay.New(a.broker, cascade.New(cfg.Cascade), a.bc, cfg.Broker.Topic)

	a.wsSrv = ws.NewServer(ctx, cfg.WS, ws.Deps{
		Registry: a.reg,
		Verifier: verifier,
		Snapshot: a.newSnapshot(ctx),
	})
	// 网关就绪后再挂注册表，之前的广播只会 warn
	a.bc.Attach(a.wsSrv.Registry())

	a.limiter = ratelimit.NewStore(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, cfg.RateLimit.TTL)
	router := ghttp.NewRouter(ghttp.Deps{
		Name:      cfg.Name,
		WS:        a.wsSrv,
		Registry:  a.reg,
		Relay:     a.relay,
		Limiter:   a.limiter,
		IngestKey: cfg.Ingest.Key,
	})
	a.httpSrv = ghttp.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ReadTimeout)
	return nil
}

func (a *App) newBroker() (relay.Broker, error) {
	bc := a.cfg.Broker
	switch bc.Kind {
	case "nats":
		b, err := relay.NewNatsBroker(bc.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", bc.URL, err)
		}
		return b, nil
	default:
		return relay.NewMemBroker(bc.Buffer), nil
	}
}

// newSnapshot redis 连不上时降级到静态数据，不阻止启动
func (a *App) newSnapshot(ctx context.Context) snapshot.Provider {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return snapshot.Static{}
	}
	rdb, err := xredis.NewRedis(ctx, &xredis.Config{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	if err != nil {
		logger.Warn(ctx, "snapshot redis unavailable, using static data", zap.Error(err))
		return snapshot.Static{}
	}
	a.rdb = rdb
	return snapshot.NewRedis(rdb,
		snapshot.RedisConfig{MetricsKey: rc.MetricsKey, AlertsKey: rc.AlertsKey},
		ratelimit.NewManager(a.cfg.Breaker),
		snapshot.Static{},
	)
}

func (a *App) close() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.traceShutdown(ctx)
	}
}
