// Command apiserver serves the command API (C7) over HTTP: eleven
// RPC-shaped endpoints behind JWT auth and per-user rate limiting, plus a
// /blobs static mount for generated artifacts, a /metrics endpoint, and an
// unauthenticated /healthz process-health probe.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshforge/orchestrator/internal/api"
	"github.com/meshforge/orchestrator/internal/blobstore"
	"github.com/meshforge/orchestrator/internal/config"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/ledger"
	"github.com/meshforge/orchestrator/internal/lock"
	"github.com/meshforge/orchestrator/internal/logging"
	"github.com/meshforge/orchestrator/internal/metrics"
	"github.com/meshforge/orchestrator/internal/pipeline"
	"github.com/meshforge/orchestrator/internal/poller"
	"github.com/meshforge/orchestrator/internal/provider"
	"github.com/meshforge/orchestrator/internal/ratelimit"
	"github.com/meshforge/orchestrator/internal/visionclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().WithError(err).Error("load config")
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	store, err := docstore.Open(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Error("open docstore")
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := blobstore.New(cfg.BlobStoreRoot, cfg.BlobBaseURL)
	if err != nil {
		logger.WithError(err).Error("open blob store")
		os.Exit(1)
	}

	registry := provider.NewRegistry()
	if cfg.MeshyAPIKey != "" {
		registry.Register(provider.NewMeshy(cfg.MeshyBaseURL, cfg.MeshyAPIKey))
		registry.SetRetexture(provider.NewMeshyRetexture(cfg.MeshyBaseURL, cfg.MeshyAPIKey))
	}
	if cfg.TripoAPIKey != "" {
		registry.Register(provider.NewTripo(cfg.TripoBaseURL, cfg.TripoAPIKey))
	}
	if cfg.HunyuanAPIKey != "" {
		registry.Register(provider.NewHunyuan(cfg.HunyuanBaseURL, cfg.HunyuanAPIKey))
	}
	if cfg.RodinAPIKey != "" {
		registry.Register(provider.NewRodin(cfg.RodinBaseURL, cfg.RodinAPIKey))
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	vision := visionclient.New(cfg.VisionAPIBaseURL, cfg.VisionAPIKey, time.Duration(cfg.VisionStaggerMs)*time.Millisecond)
	l := ledger.New(store, m)
	engine := pipeline.New(store, l, blobs, vision, registry, m)

	var locker *lock.Locker
	if cfg.RedisURL != "" {
		locker, err = lock.New(cfg.RedisURL, 5*time.Minute)
		if err != nil {
			logger.WithError(err).Error("connect redis lock")
			os.Exit(1)
		}
		defer locker.Close()
	}
	p := poller.New(store, engine, registry, locker, m)

	rsaPub, err := api.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.WithError(err).Error("load jwt public key")
		os.Exit(1)
	}
	auth := api.NewAuthMiddleware(rsaPub, logger)
	rl := api.RateLimitMiddleware(ratelimit.NewKeyedLimiter(float64(cfg.APIRateLimitPerSecond), cfg.APIRateLimitBurst))
	metricsWare := api.MetricsMiddleware(m)

	server := api.NewServer(engine, p, blobs, registry)
	router := api.Router(server, auth, rl, metricsWare)

	topMux := http.NewServeMux()
	topMux.Handle("/", router)
	topMux.Handle("/blobs/", http.StripPrefix("/blobs/", http.FileServer(http.Dir(cfg.BlobStoreRoot))))
	topMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.BuildHealthStatus())
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      topMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 540 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("apiserver listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("apiserver terminated")
			os.Exit(1)
		}
	}()
	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.MetricsAddr}).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server terminated")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("apiserver shutdown error")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("apiserver stopped")
}
