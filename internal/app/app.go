// Package app wires the pairing core, the push gateway and the HTTP surface
// according to the loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/authz"
	"github.com/whisper/duochat/internal/config"
	"github.com/whisper/duochat/internal/lifecycle"
	"github.com/whisper/duochat/internal/log"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/messaging"
	"github.com/whisper/duochat/internal/ratelimit"
	"github.com/whisper/duochat/internal/relay"
	"github.com/whisper/duochat/internal/session"
	transporthttp "github.com/whisper/duochat/internal/transport/http"
	"github.com/whisper/duochat/internal/ws"
)

// redisConnectTries bounds the startup ping against Redis.
const redisConnectTries = 5

// App wires together core and transport layers.
type App struct {
	cfg     config.Config
	server  *stdhttp.Server
	gateway *ws.Server
	mm      *matching.Matchmaker
	mgr     *lifecycle.Manager
	bus     messaging.Bus
	rdb     *redis.Client
	sweeper *ratelimit.MemoryLimiter
	log     *zerolog.Logger
}

// New constructs the application with provided configuration. Backends that
// need a network connection are dialed here.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: logger}

	var (
		queue    matching.Queue
		registry session.Registry
		limiter  ratelimit.Limiter
	)
	switch cfg.Store {
	case config.StoreRedis:
		rdb, err := dialRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		queue = matching.NewRedisQueue(rdb)
		registry = session.NewRedisRegistry(rdb, cfg.Lifecycle.SessionRetention)
		limiter = ratelimit.NewRedisLimiter(rdb, log.Component(logger, "ratelimit"))
	default:
		queue = matching.NewMemoryQueue()
		registry = session.NewMemoryRegistry()
		a.sweeper = ratelimit.NewMemoryLimiter()
		limiter = a.sweeper
	}

	switch cfg.Bus {
	case config.BusNATS:
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		bus, err := messaging.NewNATSBus(natsCfg, log.Component(logger, "nats"))
		if err != nil {
			a.closeBackends()
			return nil, err
		}
		a.bus = bus
	default:
		a.bus = messaging.NewLocalBus()
	}

	a.mm = matching.NewMatchmaker(queue, registry, log.Component(logger, "matchmaker"))
	rl := relay.New(registry, a.bus, relay.Config{
		MaxTries:        cfg.Relay.PublishTries,
		InitialInterval: cfg.Relay.RetryInterval,
		MaxInterval:     cfg.Relay.MaxInterval,
	}, log.Component(logger, "relay"))
	a.mgr = lifecycle.NewManager(a.mm, registry, rl, log.Component(logger, "lifecycle"))

	var grants *authz.GrantConfig
	if cfg.Auth.Secret != "" {
		grants = &authz.GrantConfig{
			Secret: []byte(cfg.Auth.Secret),
			Issuer: cfg.Auth.Issuer,
			TTL:    cfg.Auth.GrantTTL,
		}
	} else {
		logger.Warn().Msg("auth.secret is empty, subscription grants disabled")
	}
	authorizer := authz.New(registry, grants)

	a.gateway = ws.NewServer(ws.ServerConfig{
		MaxConnections:  cfg.Gateway.MaxConnections,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		WriteTimeout:    cfg.Gateway.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Gateway.HeartbeatInterval,
			Timeout:  cfg.Gateway.HeartbeatTimeout,
		},
	}, a.mgr, authorizer, a.bus, log.Component(logger, "gateway"))
	a.gateway.RegisterRequests(a.mgr)

	opts := transporthttp.Options{
		Addr:              cfg.Addr,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		Service:           a.mgr,
		Gateway:           a.gateway,
	}
	if grants != nil {
		opts.Grants = authorizer
	}
	if cfg.RateLimit {
		a.gateway.SetLimiter(limiter)
		opts.Limiter = limiter
	}
	a.server = transporthttp.NewServer(opts, log.Component(logger, "http"))

	logger.Info().
		Str("addr", cfg.Addr).
		Str("store", cfg.Store).
		Str("bus", cfg.Bus).
		Bool("rate_limit", cfg.RateLimit).
		Msg("app configured")
	return a, nil
}

// Handler returns the HTTP handler serving the API and the gateway.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and background loops and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	a.startLoops(loopCtx, &wg)

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		a.log.Info().Msg("shutting down http server")
		runErr = a.server.Shutdown(shutdownCtx)
		cancel()
		if err := <-serverErr; runErr == nil {
			runErr = err
		}
	}

	// Closing the gateway reports every socket as gone, which publishes the
	// disconnect notices, so the bus has to outlive it.
	a.gateway.Shutdown()
	stopLoops()
	wg.Wait()
	a.closeBackends()
	return runErr
}

func (a *App) startLoops(ctx context.Context, wg *sync.WaitGroup) {
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	run(func() { a.gateway.Run(ctx) })
	run(func() { a.mm.StartCleanup(ctx, a.cfg.Lifecycle.CleanupInterval, a.mgr.IsGone) })
	run(func() {
		a.mgr.StartReaper(ctx, a.cfg.Lifecycle.ReapInterval, a.cfg.Lifecycle.SessionRetention)
	})
	if a.sweeper != nil {
		run(func() { sweepLimiter(ctx, a.sweeper, a.cfg.Lifecycle.ReapInterval) })
	}
}

func sweepLimiter(ctx context.Context, l *ratelimit.MemoryLimiter, interval time.Duration) {
	if interval <= 0 {
		interval = lifecycle.DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// closeBackends closes the bus and the Redis client.
func (a *App) closeBackends() {
	if a.bus != nil {
		a.bus.Close()
		a.log.Info().Msg("notification bus closed")
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		} else {
			a.log.Info().Msg("redis client closed")
		}
	}
}

func dialRedis(ctx context.Context, cfg config.RedisConfig, logger *zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	_, err := backoff.Retry(ctx, func() (string, error) {
		pong, err := rdb.Ping(ctx).Result()
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis not ready")
		}
		return pong, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(redisConnectTries))
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis connected")
	return rdb, nil
}
