package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/fauxweb/config"
	"github.com/vnmchuo/fauxweb/internal/billing"
	"github.com/vnmchuo/fauxweb/internal/browser"
	"github.com/vnmchuo/fauxweb/internal/cache"
	"github.com/vnmchuo/fauxweb/internal/logger"
	"github.com/vnmchuo/fauxweb/internal/prompt"
	"github.com/vnmchuo/fauxweb/internal/provider"
	"github.com/vnmchuo/fauxweb/internal/proxy"
	"github.com/vnmchuo/fauxweb/internal/telemetry"
	"github.com/vnmchuo/fauxweb/internal/video"
	"github.com/vnmchuo/fauxweb/pkg/ratelimit"
)

// run starts the proxy and, when browse is set, a browser routed through it.
// textProvider overrides the configured text provider when non-empty.
func (c *commander) run(ctx context.Context, textProvider string, browse bool) error {
	cfg := c.cfg
	if textProvider != "" {
		cfg.Text.Provider = textProvider
	}

	log := logger.NewLogger(cfg.Debug)
	defer func() { _ = log.Sync() }()

	shutdownTracer, err := telemetry.InitTracer("fauxweb", cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	reg := newRegistry()
	roles, err := resolveRoles(reg, cfg, log)
	if err != nil {
		return err
	}
	log.Info("generation roles",
		zap.Any("text", roles.Text),
		zap.Any("image", roles.Image),
		zap.Any("video", roles.Video),
	)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	pricing, err := pricingSource(cfg)
	if err != nil {
		return err
	}
	ledger := billing.NewLedger(pricing, log.Named("billing"))

	resources := cache.New(cacheStore(cfg, rdb), log.Named("cache"))

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		if rdb == nil {
			log.Warn("rate limiting needs REDIS_ADDR, disabled")
		} else {
			limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)
		}
	}

	adapter := provider.NewAdapter(reg, log.Named("provider"))
	videos := video.NewController(adapter, resources, log.Named("video"), video.Options{
		PollInterval:   cfg.VideoPollInterval,
		MaxWait:        cfg.VideoMaxWait,
		PosterTimeout:  cfg.PosterWaitTimeout,
		PosterInterval: cfg.PosterPollInterval,
	})

	handler := proxy.NewHandler(proxy.Deps{
		Generator: adapter,
		Videos:    videos,
		Prompts:   prompt.NewStore(cfg.PromptsDir),
		Ledger:    ledger,
		Cache:     resources,
		Limiter:   limiter,
		Tracer:    telemetry.Tracer(),
		Logger:    log.Named("proxy"),
		Roles:     roles,
	})

	// A video request may wait for the poster and the whole job.
	writeTimeout := cfg.PosterWaitTimeout + cfg.VideoMaxWait + time.Minute
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      proxy.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("fauxweb starting", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if browse {
		session, err := browser.Launch(ctx, browser.Options{
			Bin:       cfg.BrowserBin,
			Headless:  cfg.Headless,
			DevTools:  cfg.DevTools,
			ProxyAddr: cfg.Addr(),
		}, log.Named("browser"))
		if err != nil {
			_ = srv.Close()
			return err
		}
		defer func() { _ = session.Close() }()

		go func() {
			if err := session.Wait(ctx); err == nil {
				log.Info("browser closed")
				stop()
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped", zap.Float64("sessionCost", ledger.Total()))
	return nil
}

// pricingSource layers the override file over the built-in table, then the
// remote document.
func pricingSource(cfg *config.Config) (billing.Source, error) {
	var chain billing.Chain
	if cfg.PricingFile != "" {
		file, err := billing.LoadFile(cfg.PricingFile)
		if err != nil {
			return nil, fmt.Errorf("loading pricing file: %w", err)
		}
		chain = append(chain, file)
	}
	chain = append(chain, billing.Builtin())
	if cfg.PricingURL != "" {
		chain = append(chain, billing.NewRemoteSource(cfg.PricingURL, &http.Client{Timeout: 10 * time.Second}))
	}
	return chain, nil
}

func cacheStore(cfg *config.Config, rdb *redis.Client) cache.Store {
	if rdb != nil {
		return cache.NewRedisStore(rdb, cfg.CacheTTL)
	}
	return cache.NewMemoryStore(cfg.CacheTTL)
}
