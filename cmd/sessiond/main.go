package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/session-index/internal/config"
	"github.com/whisper/session-index/internal/messaging"
	"github.com/whisper/session-index/internal/metrics"
	"github.com/whisper/session-index/internal/protocol"
	"github.com/whisper/session-index/internal/ratelimit"
	"github.com/whisper/session-index/internal/service"
	"github.com/whisper/session-index/internal/session"
)

const gaugeInterval = 15 * time.Second

func main() {
	log.Println("Starting session service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName, _ = os.Hostname()
	}
	if serviceName == "" {
		serviceName = "sessiond-" + uuid.NewString()[:8]
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = serviceName

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	store := session.NewStore(rdb,
		session.WithKeyPrefix(cfg.KeyPrefix),
		session.WithResolution(cfg.ScoreResolution),
		session.WithLogger(func(msg string) {
			metrics.UnbindRaces.Inc()
			if cfg.LogRaces {
				log.Printf("[session] %s", msg)
			}
		}),
	)

	srv := service.NewServer(store, service.Config{
		Limiter:   ratelimit.NewLimiter(rdb),
		BindRule:  ratelimit.Rule{Key: ratelimit.RuleBind.Key, Limit: cfg.BindLimit, Window: cfg.BindWindow},
		Publisher: natsClient,
		Timeout:   cfg.RequestTimeout,
	})

	for _, msgType := range []string{
		protocol.TypeLookup,
		protocol.TypeBind,
		protocol.TypeUnbind,
		protocol.TypeTouch,
		protocol.TypeList,
		protocol.TypeRevokeUser,
		protocol.TypeCount,
	} {
		if err := natsClient.Serve(msgType, srv.Handler(msgType)); err != nil {
			log.Fatalf("failed to serve %s: %v", msgType, err)
		}
	}

	// Metrics and health.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil || !natsClient.Connected() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[sessiond] metrics server: %v", err)
		}
	}()

	gaugeCtx, stopGauge := context.WithCancel(context.Background())
	go refreshGauge(gaugeCtx, srv)

	log.Printf("Session service running")
	log.Printf("  service_name:  %s", serviceName)
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)
	log.Printf("  key_prefix:    %q", cfg.KeyPrefix)
	log.Printf("  resolution:    %s", cfg.ScoreResolution)
	log.Printf("  bind_limit:    %d/%s", cfg.BindLimit, cfg.BindWindow)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopGauge()
	natsClient.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[sessiond] metrics server shutdown: %v", err)
	}
	rdb.Close()
}

// refreshGauge keeps the active session gauge current until ctx ends.
func refreshGauge(ctx context.Context, srv *service.Server) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		if err := srv.RefreshGauge(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[sessiond] refresh active sessions: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
