// Package poller implements the status poller (C6): for a Pipeline in
// generating-mesh or generating-texture, drive one provider poll call and
// delegate its verdict to the pipeline engine's transition methods.
// Grounded on services/common/poller.go's RequestPoller — the claim/
// handler-dispatch/complete-or-fail shape — narrowed from a continuously
// ticking queue consumer to a single checkStatus-per-call operation per
// §4.6, since clients (or the background worker in cmd/pollerworker) drive
// the poll cadence rather than the poller looping itself.
package poller

import (
	"context"
	"time"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/lock"
	"github.com/meshforge/orchestrator/internal/logging"
	"github.com/meshforge/orchestrator/internal/metrics"
	"github.com/meshforge/orchestrator/internal/pipeline"
	"github.com/meshforge/orchestrator/internal/provider"
)

// pollTimeout bounds a single provider poll call per §5.
const pollTimeout = 30 * time.Second

// Poller performs one poll-and-maybe-transition cycle for a single
// Pipeline at a time.
type Poller struct {
	store    docstore.DocStore
	engine   *pipeline.Engine
	registry *provider.Registry
	locker   *lock.Locker
	metrics  *metrics.Registry
}

// New builds a Poller. locker is optional — pass nil to run without
// cross-process mutual exclusion (safe for a single-process deployment or
// tests).
func New(store docstore.DocStore, engine *pipeline.Engine, registry *provider.Registry, locker *lock.Locker, m *metrics.Registry) *Poller {
	return &Poller{store: store, engine: engine, registry: registry, locker: locker, metrics: m}
}

// CheckStatus performs exactly one poll for pipelineID and returns the
// projected Pipeline. It holds the per-Pipeline lock for the entire
// download->store->transition sequence on a terminal success, releasing it
// only once that sequence reaches success or a recorded failure, per
// §4.6's rule that the poller "must not release its logical lock on the
// Pipeline until either success or a recorded failure."
func (p *Poller) CheckStatus(ctx context.Context, pipelineID string) (*docstore.Pipeline, error) {
	var handle *lock.Handle
	if p.locker != nil {
		h, err := p.locker.Acquire(ctx, pipelineID)
		if err != nil {
			if err == lock.ErrLocked {
				return nil, classify.FailedPrecondition("pipeline is already being polled")
			}
			return nil, classify.Internal("acquire pipeline lock", err)
		}
		handle = h
		defer func() {
			if rerr := handle.Release(context.Background()); rerr != nil {
				logging.FromContext(ctx).WithError(rerr).Warn("release pipeline lock failed")
			}
		}()
	}

	pl, err := p.store.Pipelines().Get(ctx, pipelineID)
	if err != nil {
		if err == docstore.ErrNotFound {
			return nil, classify.NotFound("pipeline not found")
		}
		return nil, classify.Internal("load pipeline", err)
	}

	switch pl.Status {
	case docstore.StatusGeneratingMesh:
		return p.pollMesh(ctx, pl)
	case docstore.StatusGeneratingTexture:
		return p.pollTexture(ctx, pl)
	default:
		// Not a pollable status; return the Pipeline unchanged (idempotent
		// no-op rather than an error, so a client's poll loop that lags
		// behind a fast-completing stage doesn't need special-case
		// handling).
		return pl, nil
	}
}

func (p *Poller) pollMesh(ctx context.Context, pl *docstore.Pipeline) (*docstore.Pipeline, error) {
	prov, err := p.registry.Get(pl.Settings.Provider)
	if err != nil {
		return nil, classify.Internal("load mesh provider", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	result, err := prov.Poll(pollCtx, provider.TaskHandle{TaskID: pl.ProviderTaskID, SubscriptionKey: pl.ProviderSubscriptionKey})
	if p.metrics != nil {
		p.metrics.ProviderPolls.WithLabelValues(pl.Settings.Provider, string(resultStateOr(result, err))).Inc()
	}
	if err != nil {
		return nil, classify.Network("poll mesh provider", err)
	}

	switch result.State {
	case provider.StateSucceeded:
		return p.engine.HandleMeshPollDone(ctx, pl, prov)
	case provider.StateFailed, provider.StateCancelled:
		return p.engine.HandleMeshPollFailed(ctx, pl, classify.ServiceFailure("mesh provider reported "+string(result.State), nil))
	default:
		return p.engine.HandleMeshPollProgress(ctx, pl, result.Progress)
	}
}

func (p *Poller) pollTexture(ctx context.Context, pl *docstore.Pipeline) (*docstore.Pipeline, error) {
	retexture, err := p.registry.Retexture()
	if err != nil {
		return nil, classify.Internal("load retexture provider", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	result, err := retexture.Poll(pollCtx, provider.TaskHandle{TaskID: pl.TextureTaskID})
	if p.metrics != nil {
		p.metrics.ProviderPolls.WithLabelValues("retexture", string(resultStateOr(result, err))).Inc()
	}
	if err != nil {
		return nil, classify.Network("poll retexture provider", err)
	}

	switch result.State {
	case provider.StateSucceeded:
		return p.engine.HandleTexturePollDone(ctx, pl, retexture)
	case provider.StateFailed, provider.StateCancelled:
		return p.engine.HandleTexturePollFailed(ctx, pl, classify.ServiceFailure("texture provider reported "+string(result.State), nil))
	default:
		return p.engine.HandleMeshPollProgress(ctx, pl, result.Progress)
	}
}

func resultStateOr(r provider.PollResult, err error) provider.State {
	if err != nil {
		return "error"
	}
	return r.State
}

// ListActive returns every Pipeline currently in generating-mesh or
// generating-texture, for the background worker's per-tick sweep (A9).
func (p *Poller) ListActive(ctx context.Context, limit int) ([]*docstore.Pipeline, error) {
	rows, err := p.store.Pipelines().ListActive(ctx, limit)
	if err != nil {
		return nil, classify.Internal("list active pipelines", err)
	}
	return rows, nil
}
