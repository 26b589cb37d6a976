package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
)

// BatchSubmitter is the undefined "submit and poll" protocol the spec
// leaves open for processingMode=batch (open question 3): this package
// only commits to the batch-queued/batch-processing status projection,
// not to any particular async dispatch mechanism. Callers running a real
// batch pool implement this against their own queue.
type BatchSubmitter interface {
	Submit(ctx context.Context, p *docstore.Pipeline) (batchID string, err error)
	Poll(ctx context.Context, batchID string) (done bool, views map[docstore.Angle]string, err error)
}

// InMemoryBatchSubmitter is a single in-process stub: Submit enqueues the
// job and Poll reports it done on the very next call. It exists so
// processingMode=batch has a runnable default; it is not a real async pool.
type InMemoryBatchSubmitter struct {
	mu    sync.Mutex
	ready map[string]map[docstore.Angle]string
}

// NewInMemoryBatchSubmitter returns a stub submitter that completes every
// batch immediately, returning a fixed placeholder URL per angle.
func NewInMemoryBatchSubmitter() *InMemoryBatchSubmitter {
	return &InMemoryBatchSubmitter{ready: make(map[string]map[docstore.Angle]string)}
}

func (s *InMemoryBatchSubmitter) Submit(ctx context.Context, p *docstore.Pipeline) (string, error) {
	batchID := uuid.NewString()
	views := make(map[docstore.Angle]string, len(docstore.Angles))
	for _, angle := range docstore.Angles {
		views[angle] = "https://batch.invalid/" + batchID + "/" + string(angle) + ".png"
	}
	s.mu.Lock()
	s.ready[batchID] = views
	s.mu.Unlock()
	return batchID, nil
}

func (s *InMemoryBatchSubmitter) Poll(ctx context.Context, batchID string) (bool, map[docstore.Angle]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	views, ok := s.ready[batchID]
	if !ok {
		return false, nil, nil
	}
	return true, views, nil
}

var _ BatchSubmitter = (*InMemoryBatchSubmitter)(nil)

// SubmitBatch debits viewsCost and enqueues a batch-mode generateViews
// request, leaving the Pipeline in batch-queued. It is the batch-mode
// counterpart of GenerateViews, which runs the synchronous fan-out whatever
// the Pipeline's processingMode.
func (e *Engine) SubmitBatch(ctx context.Context, pipelineID, callerUserID string) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if p.ProcessingMode != docstore.ProcessingBatch {
		return nil, classify.FailedPrecondition("submitBatch requires processingMode=batch")
	}
	allowed := p.Status == docstore.StatusDraft || p.Status == docstore.StatusImagesReady ||
		(p.Status == docstore.StatusFailed && p.ErrorStep == docstore.ErrorStepImages)
	if !allowed {
		return nil, classify.FailedPrecondition("submitBatch requires draft, images-ready, or a failed images step")
	}
	if p.ImageAnalysis == nil {
		return nil, classify.FailedPrecondition("analyze must run before submitBatch")
	}
	if e.batch == nil {
		return nil, classify.Internal("no batch submitter configured", nil)
	}

	if err := e.ledger.DeductCredits(ctx, p.UserID, ViewsCost, p.ID); err != nil {
		return nil, err
	}
	if err := e.move(ctx, p, docstore.StatusGeneratingImages); err != nil {
		_ = e.ledger.RefundCredits(ctx, p.UserID, ViewsCost, p.ID)
		return nil, err
	}

	batchID, err := e.batch.Submit(ctx, p)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepImages, ViewsCost, classify.Network("submit batch", err))
		return nil, serr
	}
	p.ProviderSubscriptionKey = batchID
	if err := e.move(ctx, p, docstore.StatusBatchQueued); err != nil {
		return nil, err
	}
	return p, nil
}

// AdvanceBatch polls the configured BatchSubmitter for one queued batch and,
// once done, writes the resulting meshImages and transitions to
// images-ready — the batch-mode analogue of C6's poll-to-completion loop.
func (e *Engine) AdvanceBatch(ctx context.Context, pipelineID, callerUserID string) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if p.Status != docstore.StatusBatchQueued && p.Status != docstore.StatusBatchProcessing {
		return nil, classify.FailedPrecondition("advanceBatch requires batch-queued or batch-processing")
	}
	if e.batch == nil {
		return nil, classify.Internal("no batch submitter configured", nil)
	}

	if p.Status == docstore.StatusBatchQueued {
		if err := e.move(ctx, p, docstore.StatusBatchProcessing); err != nil {
			return nil, err
		}
	}

	done, views, err := e.batch.Poll(ctx, p.ProviderSubscriptionKey)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepImages, ViewsCost, classify.Network("poll batch", err))
		return nil, serr
	}
	if !done {
		if err := e.store.Pipelines().Update(ctx, p); err != nil {
			return nil, classify.Internal("persist batch progress", err)
		}
		return p, nil
	}

	meshImages := make(map[docstore.Angle]docstore.ProcessedImage, len(views))
	for _, angle := range docstore.Angles {
		url, ok := views[angle]
		if !ok {
			continue
		}
		meshImages[angle] = docstore.ProcessedImage{URL: url, Source: docstore.SourceAI, GeneratedAt: time.Now().UTC()}
	}
	p.MeshImages = meshImages
	p.CreditsCharged.Views = ViewsCost
	p.GenerationProgress = docstore.GenerationProgress{Phase: "complete", MeshViewsCompleted: len(meshImages)}
	if err := e.move(ctx, p, docstore.StatusImagesReady); err != nil {
		return nil, err
	}
	return p, nil
}
