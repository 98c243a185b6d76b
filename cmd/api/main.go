package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/ledger-engine/internal/analytics"
	"github.com/example/ledger-engine/internal/api"
	"github.com/example/ledger-engine/internal/auth"
	"github.com/example/ledger-engine/internal/cache"
	"github.com/example/ledger-engine/internal/config"
	"github.com/example/ledger-engine/internal/engine"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/ratelimit"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid API_IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "driver", cfg.LedgerDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		cacheBackend cache.Cache = cache.NewMemoryCache()
		counter      ratelimit.Counter = ratelimit.NewMemoryCounter()
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Both consumers degrade on their own, so an unreachable Redis is not fatal.
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		cacheBackend = cache.NewRedisCache(redisClient)
		counter = &ratelimit.RedisCounter{Redis: redisClient, Prefix: "ledger"}
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process cache and rate counters")
	}

	chain := audit.NewChainLogger(10000)
	sinks := []audit.Sink{chain}
	var closers []io.Closer
	if len(cfg.KafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.AuditTopic, logger)
		sinks = append(sinks, ks)
		closers = append(closers, ks)
	}
	emitter := audit.NewEmitter(4096, logger, sinks...)

	keySet, err := loadKeys(cfg)
	if err != nil {
		logger.Error("failed to load JWT verification key", "error", err)
		os.Exit(1)
	}

	results := cache.NewBestEffort(cacheBackend, cfg.CacheTTL, logger)
	eng := engine.New(store,
		engine.WithCache(results),
		engine.WithAudit(emitter),
		engine.WithLogger(logger),
		engine.WithMaxBatchItems(cfg.BulkMaxItems),
	)

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.JWTIssuer},
		KeySet:       keySet,
		Engine:       eng,
		Analytics:    analytics.NewAggregator(store, results),
		Limiter:      ratelimit.New(counter, cfg.RateLimitWindow, cfg.Quotas, ratelimit.WithLogger(logger)),
		Audit:        emitter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	if cfg.TLSCertFile != "" {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
			CAFile:   cfg.TLSClientCA,
		})
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := emitter.Close(ctx); err != nil {
			logger.Warn("audit events not flushed before shutdown", "error", err, "dropped", emitter.Dropped())
		}
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	logger.Info("ledger api listening",
		"addr", cfg.HTTPAddr,
		"env", cfg.Environment,
		"driver", cfg.LedgerDriver,
		"tls", srv.TLSConfig != nil,
	)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pl := ledger.NewPostgresLedger(pool)
		if err := pl.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pl, nil
	case config.DriverSQLite:
		return ledger.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// loadKeys reads the token verification key. Outside production an ephemeral
// key pair stands in when no key file is configured.
func loadKeys(cfg *config.Config) (*auth.KeySet, error) {
	if cfg.JWTPublicKeyFile != "" {
		return auth.LoadPublicKeyFile(cfg.JWTPublicKeyFile)
	}
	if cfg.IsProduction() {
		return nil, errors.New("JWT_PUBLIC_KEY_FILE is required in " + cfg.Environment)
	}
	slog.Warn("JWT_PUBLIC_KEY_FILE not set, generated an ephemeral signing key")
	return auth.NewKeySet()
}
