package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/joanseamrexgage-ui/telegram-training-bot/api"
	"github.com/joanseamrexgage-ui/telegram-training-bot/metrics"
	"github.com/joanseamrexgage-ui/telegram-training-bot/pkg/admission"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (defaults used when empty)")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg := admission.NewConfig()
	if *configPath != "" {
		loaded, err := admission.LoadConfigFromFile(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	opts := []admission.Option{
		admission.WithConfig(cfg),
		admission.WithLogger(log),
		admission.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	}

	if client := buildRedisClient(cfg.Redis); client != nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Not fatal: the breaker handles an unreachable store, the
			// local fallback serves decisions meanwhile.
			log.WithError(err).Warn("redis unreachable at startup, serving degraded until it recovers")
		}
		cancel()
		opts = append(opts, admission.WithRedis(client))
	} else {
		log.Warn("no redis configured, running on the local limiter only")
	}

	ctrl, err := admission.New(opts...)
	if err != nil {
		log.Fatalf("admission: %v", err)
	}
	defer ctrl.Close()

	mux := http.NewServeMux()
	api.NewHandler(ctrl).Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("admission service listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
}

// buildRedisClient creates a failover client when a sentinel master name is
// configured, a plain client for a single address, and nil when the store
// is not configured at all.
func buildRedisClient(cfg admission.RedisConfig) redis.UniversalClient {
	if cfg.MasterName != "" {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	}
	if len(cfg.Addrs) > 0 {
		return redis.NewClient(&redis.Options{
			Addr:     cfg.Addrs[0],
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return nil
}
