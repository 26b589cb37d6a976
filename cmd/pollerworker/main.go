// Command pollerworker drives the background poll worker (A9): on a cron
// schedule, it sweeps every Pipeline in generating-mesh or generating-texture and runs one
// poll-and-maybe-transition cycle against each. It replaces the teacher's
// ticker-driven trigger loop with cron's richer scheduling (seconds
// resolution, standard expressions) since the poll cadence here is
// operator-tunable rather than hardcoded.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

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

	m := metrics.New(prometheus.NewRegistry())
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(cfg.PollCron, func() { sweep(ctx, p, logger, cfg.PollMaxPerTick) })
	if err != nil {
		logger.WithError(err).Error("schedule poll cron")
		os.Exit(1)
	}
	c.Start()
	logger.WithFields(map[string]interface{}{"schedule": cfg.PollCron, "max_per_tick": cfg.PollMaxPerTick}).Info("pollerworker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("pollerworker stopped")
}

// sweep runs one poll cycle over every active Pipeline, logging but not
// aborting on a single Pipeline's failure so one bad poll doesn't stall the
// rest of the tick.
func sweep(ctx context.Context, p *poller.Poller, logger *logging.Logger, limit int) {
	rows, err := p.ListActive(ctx, limit)
	if err != nil {
		logger.WithError(err).Error("list active pipelines")
		return
	}
	for _, row := range rows {
		if _, err := p.CheckStatus(ctx, row.ID); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{"pipeline_id": row.ID}).Warn("poll cycle failed")
		}
	}
}
