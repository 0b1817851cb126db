package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jeju-network/node/internal/catalog"
	"github.com/jeju-network/node/internal/config"
	"github.com/jeju-network/node/internal/dbmanager"
	"github.com/jeju-network/node/internal/httpapi"
	"github.com/jeju-network/node/internal/logging"
	"github.com/jeju-network/node/internal/metrics"
	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/ratelimiter"
	"github.com/jeju-network/node/internal/relay"
	"github.com/jeju-network/node/internal/replication"
	"github.com/jeju-network/node/pkg/client"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	flag.Parse()

	if trimmed := *configPath; trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Node.ID, cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.Node.DataDir, err)
	}

	manager, err := dbmanager.New(cfg.Node.DataDir)
	if err != nil {
		log.Fatalf("initialise dbmanager: %v", err)
	}

	n := node.New(cfg.Node.ID, manager, logger)
	if err := n.Start(); err != nil {
		log.Fatalf("start node: %v", err)
	}

	m := metrics.Init(cfg.Node.ID)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var limiter *ratelimiter.Limiter
	if cfg.RateLimit.Enabled {
		store, err := newRateLimitStore(cfg)
		if err != nil {
			log.Fatalf("initialise rate limit store: %v", err)
		}
		limiter = ratelimiter.InitRateLimiter(cfg.RateLimiterConfig(), store)
	}

	var relayStore *relay.Store
	if cfg.Relay.Enabled {
		cache, err := newRelayCache(cfg)
		if err != nil {
			log.Fatalf("initialise relay cache: %v", err)
		}
		relayStore, err = relay.Open(rootCtx, n, cache)
		if err != nil {
			log.Fatalf("open relay store: %v", err)
		}
	}

	var coordinator *replication.Coordinator
	if cfg.IsReplica() {
		primary := client.New(cfg.Node.ReplicaOf)
		coordinator = replication.NewCoordinator(primary, n, logger)
		for _, db := range manager.List() {
			if db.Role == dbmanager.RoleReplica {
				coordinator.Follow(rootCtx, db.ID)
			}
		}
	}

	server := httpapi.New(n, relayStore, m, logger, httpapi.Config{
		DataDir:       cfg.Node.DataDir,
		CORSOrigins:   cfg.Server.CORSOrigins,
		RateLimiter:   limiter,
		RelayTierName: "relay",
	})

	listenAddr := determineAddr(*addr, cfg)
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: server,
	}

	var roster *catalog.Catalog
	if cfg.Catalog.DSN != "" {
		roster, err = catalog.Open(rootCtx, cfg.Catalog.DSN)
		if err != nil {
			log.Fatalf("open catalog: %v", err)
		}
		if err := roster.Register(rootCtx, cfg.Node.ID, catalog.Role(cfg.Node.Role), listenAddr); err != nil {
			log.Fatalf("register in catalog: %v", err)
		}
		go heartbeatLoop(rootCtx, roster, cfg.Node.ID, logger)
	}

	go func() {
		logger.WithContext(rootCtx).Infof("node %s listening on %s (role=%s)", cfg.Node.ID, listenAddr, cfg.Node.Role)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithContext(rootCtx).Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	exitCode := 0
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithContext(rootCtx).WithError(err).Error("http shutdown")
		exitCode = 1
	}

	if coordinator != nil {
		for _, db := range manager.List() {
			coordinator.Unfollow(db.ID)
		}
	}
	cancelRoot()

	if err := n.Stop(); err != nil {
		logger.WithContext(rootCtx).WithError(err).Error("node shutdown")
		exitCode = 2
	}
	if limiter != nil {
		if err := limiter.Stop(); err != nil {
			logger.WithContext(rootCtx).WithError(err).Error("rate limiter shutdown")
		}
	}
	if roster != nil {
		if err := roster.Close(); err != nil {
			logger.WithContext(rootCtx).WithError(err).Error("catalog shutdown")
		}
	}

	os.Exit(exitCode)
}

// heartbeatLoop periodically refreshes this node's roster entry until ctx
// is canceled, logging (not fatal-ing) on transient failures — a missed
// heartbeat just makes this node look momentarily stale to the catalog,
// never a reason to bring the node itself down.
func heartbeatLoop(ctx context.Context, roster *catalog.Catalog, nodeID string, logger *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := roster.Heartbeat(ctx, nodeID); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("catalog heartbeat failed")
			}
		}
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func newRateLimitStore(cfg *config.Config) (ratelimiter.Store, error) {
	switch cfg.RateLimit.Store {
	case "sql":
		path := cfg.RateLimit.SQLPath
		if path == "" {
			path = filepath.Join(cfg.Node.DataDir, "ratelimit.db")
		}
		return ratelimiter.NewSQLStore(path)
	default:
		return ratelimiter.NewLRUStore(), nil
	}
}

func newRelayCache(cfg *config.Config) (relay.Cache, error) {
	switch cfg.Relay.Cache {
	case "redis":
		if cfg.Relay.RedisAddr == "" {
			return nil, fmt.Errorf("relay.redis_addr is required when relay.cache is redis")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis at %s: %w", cfg.Relay.RedisAddr, err)
		}
		return relay.NewRedisCache(rdb, "node:"+cfg.Node.ID+":relay:"), nil
	default:
		return relay.NewLocalCache(), nil
	}
}
