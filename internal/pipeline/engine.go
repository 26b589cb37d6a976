package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meshforge/orchestrator/internal/blobstore"
	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/ledger"
	"github.com/meshforge/orchestrator/internal/logging"
	"github.com/meshforge/orchestrator/internal/metrics"
	"github.com/meshforge/orchestrator/internal/provider"
	"github.com/meshforge/orchestrator/internal/visionclient"
)

// ViewsCost is the fixed credit cost of the generateViews stage.
const ViewsCost = 3

// TextureCost is the fixed credit cost of the optional retexture stage.
const TextureCost = docstore.TextureCost

// Engine owns every Pipeline's lifecycle: it is the only code path allowed
// to mutate a Pipeline record, matching "mutated only through C5's
// transition methods" in the data-model ownership rules.
type Engine struct {
	store    docstore.DocStore
	ledger   *ledger.Ledger
	blobs    blobstore.BlobStore
	vision   *visionclient.Client
	registry *provider.Registry
	metrics  *metrics.Registry
	batch    BatchSubmitter
}

// New builds an Engine wired to its collaborators.
func New(store docstore.DocStore, l *ledger.Ledger, blobs blobstore.BlobStore, vision *visionclient.Client, registry *provider.Registry, m *metrics.Registry) *Engine {
	return &Engine{store: store, ledger: l, blobs: blobs, vision: vision, registry: registry, metrics: m, batch: NewInMemoryBatchSubmitter()}
}

// WithBatchSubmitter overrides the default in-memory batch stub, for
// deployments with a real async pool.
func (e *Engine) WithBatchSubmitter(b BatchSubmitter) *Engine {
	e.batch = b
	return e
}

func (e *Engine) recordTransition(ctx context.Context, from, to docstore.Status) {
	if e.metrics != nil {
		e.metrics.PipelineTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{"from": from, "to": to}).Debug("pipeline transition")
}

// authorize loads the pipeline and checks ownership. An empty callerUserID
// skips the ownership check — used by the background poll worker, which
// has no authenticated caller.
func (e *Engine) authorize(ctx context.Context, pipelineID, callerUserID string) (*docstore.Pipeline, error) {
	p, err := e.store.Pipelines().Get(ctx, pipelineID)
	if err != nil {
		if err == docstore.ErrNotFound {
			return nil, classify.NotFound("pipeline not found")
		}
		return nil, classify.Internal("load pipeline", err)
	}
	if callerUserID != "" && p.UserID != callerUserID {
		// P6: do not reveal existence beyond PermissionDenied.
		return nil, classify.PermissionDenied("not authorized for this pipeline")
	}
	return p, nil
}

func (e *Engine) move(ctx context.Context, p *docstore.Pipeline, to docstore.Status) error {
	if !CanTransition(p.Status, to) {
		return classify.FailedPrecondition("illegal transition " + string(p.Status) + " -> " + string(to))
	}
	from := p.Status
	p.Status = to
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return classify.Internal("persist pipeline", err)
	}
	e.recordTransition(ctx, from, to)
	return nil
}

// Create persists a new Pipeline in draft, per the `create` transition.
func (e *Engine) Create(ctx context.Context, userID string, inputImages []string, settings docstore.Settings, mode docstore.ProcessingMode, userDescription string, analysis *docstore.Analysis, generationMode string, style string) (*docstore.Pipeline, error) {
	if len(inputImages) == 0 {
		return nil, classify.InvalidArgument("at least one input image is required")
	}
	if len(userDescription) > 300 {
		return nil, classify.InvalidArgument("description exceeds 300 characters")
	}
	if mode == "" {
		mode = docstore.ProcessingRealtime
	}
	if settings.SelectedStyle == "" {
		settings.SelectedStyle = style
	}
	if settings.GenerationMode == "" {
		settings.GenerationMode = generationMode
	}

	p := &docstore.Pipeline{
		UserID:          userID,
		Status:          docstore.StatusDraft,
		ProcessingMode:  mode,
		GenerationMode:  generationMode,
		InputImages:     inputImages,
		UserDescription: userDescription,
		ImageAnalysis:   analysis,
		MeshImages:      map[docstore.Angle]docstore.ProcessedImage{},
		Settings:        settings,
		GenerationProgress: docstore.GenerationProgress{Phase: "mesh-views"},
	}
	if err := e.store.Pipelines().Create(ctx, p); err != nil {
		return nil, classify.Internal("create pipeline", err)
	}
	return p, nil
}

// Get loads a Pipeline, enforcing ownership against callerUserID.
func (e *Engine) Get(ctx context.Context, pipelineID, callerUserID string) (*docstore.Pipeline, error) {
	return e.authorize(ctx, pipelineID, callerUserID)
}

// List returns up to limit Pipelines owned by userID, optionally filtered
// by status.
func (e *Engine) List(ctx context.Context, userID string, status *docstore.Status, limit int) ([]*docstore.Pipeline, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	rows, err := e.store.Pipelines().List(ctx, userID, status, limit)
	if err != nil {
		return nil, classify.Internal("list pipelines", err)
	}
	return rows, nil
}

// Analyze calls C4's analyzeImage and attaches the result; the Pipeline
// stays in draft.
func (e *Engine) Analyze(ctx context.Context, pipelineID, callerUserID string, refBytes []byte, colorCount int, printerType, locale, style string) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if len(p.InputImages) == 0 {
		return nil, classify.FailedPrecondition("pipeline has no input image")
	}
	if colorCount < 3 || colorCount > 12 {
		return nil, classify.InvalidArgument("colorCount must be between 3 and 12")
	}

	analysis, err := e.vision.AnalyzeImage(ctx, refBytes, colorCount, printerType, locale, style)
	if err != nil {
		return nil, err
	}
	p.ImageAnalysis = &analysis
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist analysis", err)
	}
	return p, nil
}

// UpdatePipelineAnalysis lets the caller directly overwrite the analysis
// while the Pipeline is still in draft.
func (e *Engine) UpdatePipelineAnalysis(ctx context.Context, pipelineID, callerUserID string, analysis docstore.Analysis) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if p.Status != docstore.StatusDraft {
		return nil, classify.FailedPrecondition("analysis can only be edited in draft")
	}
	p.ImageAnalysis = &analysis
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist analysis", err)
	}
	return p, nil
}

// markCompleted stamps CompletedAt when moving to completed.
func markCompleted(p *docstore.Pipeline) {
	now := time.Now().UTC()
	p.CompletedAt = &now
}

// fetchReference loads the analysis-reference image (inputImages[0]) from
// blob storage and guesses its MIME type from the path extension.
func (e *Engine) fetchReference(ctx context.Context, p *docstore.Pipeline) ([]byte, string, error) {
	if len(p.InputImages) == 0 {
		return nil, "", classify.FailedPrecondition("pipeline has no input image")
	}
	ref := p.InputImages[0]
	data, err := e.blobs.Get(ctx, ref)
	if err != nil {
		return nil, "", classify.Internal("load reference image", err)
	}
	return data, mimeFromPath(ref), nil
}

func mimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// storeGeneratedView re-hosts a vision-provider-returned view under the
// Pipeline's own blob path, so the blob the Pipeline points to is owned by
// it rather than by the (possibly short-lived) vision provider URL.
func (e *Engine) storeGeneratedView(ctx context.Context, p *docstore.Pipeline, angle docstore.Angle, kind, sourceURL string) (url string, storagePath string, err error) {
	data, mime, err := fetchURL(ctx, sourceURL)
	if err != nil {
		return "", "", err
	}
	var path string
	if kind == "texture" {
		path = blobstore.TextureViewPath(p.UserID, p.ID, string(angle), extForMime(mime))
	} else {
		path = blobstore.MeshViewPath(p.UserID, p.ID, string(angle), extForMime(mime))
	}
	stored, err := e.blobs.PutBytes(ctx, path, data, mime)
	if err != nil {
		return "", "", classify.Internal("store generated view", err)
	}
	return stored, path, nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

func fetchURL(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", classify.Internal("build fetch request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", classify.Network("fetch generated view", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", classify.Network(fmt.Sprintf("fetch generated view status %d", resp.StatusCode), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classify.Internal("read fetched view", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}

// viewsForPalette adapts stored ProcessedImage slots back into the shape
// visionclient.AggregatePalette expects, for recomputing the aggregated
// palette after a single-slot regeneration.
func viewsForPalette(images map[docstore.Angle]docstore.ProcessedImage) map[docstore.Angle]visionclient.GeneratedView {
	out := make(map[docstore.Angle]visionclient.GeneratedView, len(images))
	for angle, img := range images {
		out[angle] = visionclient.GeneratedView{URL: img.URL, ColorPalette: img.ColorPalette}
	}
	return out
}

// failStage refunds the named stage's charge, records the classified
// failure on the Pipeline, and transitions it to failed. It always returns
// the classified error alongside the persisted Pipeline so callers can
// surface both.
func (e *Engine) failStage(ctx context.Context, p *docstore.Pipeline, step docstore.ErrorStep, charged int64, cause error) (*docstore.Pipeline, error) {
	se := classify.GetServiceError(cause)
	if se == nil {
		se = classify.Internal("stage failed", cause)
	}
	if charged > 0 {
		if err := e.ledger.RefundCredits(ctx, p.UserID, charged, p.ID); err != nil {
			logging.FromContext(ctx).WithError(err).Error("refund after stage failure failed")
		}
	}
	from := p.Status
	p.Status = docstore.StatusFailed
	p.ErrorStep = step
	p.Error = se.Message
	switch step {
	case docstore.ErrorStepImages:
		p.CreditsCharged.Views = 0
	case docstore.ErrorStepMesh:
		p.CreditsCharged.Mesh = 0
	case docstore.ErrorStepTexture:
		p.CreditsCharged.Texture = 0
	}
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist failed pipeline", err)
	}
	e.recordTransition(ctx, from, p.Status)
	return p, se
}

// GenerateViews drives the staggered four-angle fan-out (C4) from draft,
// images-ready, or a prior images-step failure, debiting ViewsCost up
// front and refunding on any failure.
func (e *Engine) GenerateViews(ctx context.Context, pipelineID, callerUserID string) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	allowed := p.Status == docstore.StatusDraft || p.Status == docstore.StatusImagesReady ||
		(p.Status == docstore.StatusFailed && p.ErrorStep == docstore.ErrorStepImages)
	if !allowed {
		return nil, classify.FailedPrecondition("generateViews requires draft, images-ready, or a failed images step")
	}
	if p.ImageAnalysis == nil {
		return nil, classify.FailedPrecondition("analyze must run before generateViews")
	}

	if err := e.ledger.DeductCredits(ctx, p.UserID, ViewsCost, p.ID); err != nil {
		return nil, err
	}
	if err := e.move(ctx, p, docstore.StatusGeneratingImages); err != nil {
		_ = e.ledger.RefundCredits(ctx, p.UserID, ViewsCost, p.ID)
		return nil, err
	}

	refBytes, mimeType, err := e.fetchReference(ctx, p)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepImages, ViewsCost, err)
		return nil, serr
	}

	style := visionclient.Style(p.Settings.SelectedStyle)
	progress := func(angle docstore.Angle, completed, total int) {
		p.GenerationProgress.MeshViewsCompleted = completed
	}
	views, err := e.vision.GenerateAllViewsParallel(ctx, refBytes, mimeType, p.UserDescription, p.ImageAnalysis.ColorPalette, style, progress)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepImages, ViewsCost, err)
		return nil, serr
	}

	meshImages := make(map[docstore.Angle]docstore.ProcessedImage, len(views))
	for _, angle := range docstore.Angles {
		view, ok := views[angle]
		if !ok {
			continue
		}
		url, path, serr := e.storeGeneratedView(ctx, p, angle, "mesh", view.URL)
		if serr != nil {
			_, serr2 := e.failStage(ctx, p, docstore.ErrorStepImages, ViewsCost, serr)
			return nil, serr2
		}
		meshImages[angle] = docstore.ProcessedImage{
			URL:          url,
			StoragePath:  path,
			Source:       docstore.SourceAI,
			ColorPalette: view.ColorPalette,
			GeneratedAt:  time.Now().UTC(),
		}
	}

	p.MeshImages = meshImages
	agg := visionclient.AggregatePalette(views)
	p.AggregatedColorPalette = &agg
	p.CreditsCharged.Views = ViewsCost
	p.GenerationProgress = docstore.GenerationProgress{Phase: "complete", MeshViewsCompleted: len(meshImages)}

	if err := e.move(ctx, p, docstore.StatusImagesReady); err != nil {
		return nil, err
	}
	return p, nil
}

// RegenerateView replaces one mesh-view slot, bounded by
// docstore.MaxRegenerations.
func (e *Engine) RegenerateView(ctx context.Context, pipelineID, callerUserID string, angle docstore.Angle, hint string) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if p.Status != docstore.StatusImagesReady {
		return nil, classify.FailedPrecondition("regenerateView requires images-ready")
	}
	valid := false
	for _, a := range docstore.Angles {
		if a == angle {
			valid = true
			break
		}
	}
	if !valid {
		return nil, classify.InvalidArgument("unknown angle")
	}
	if p.RegenerationsUsed >= docstore.MaxRegenerations {
		return nil, classify.ResourceExhausted("regeneration cap reached")
	}

	refBytes, mimeType, err := e.fetchReference(ctx, p)
	if err != nil {
		return nil, err
	}
	style := visionclient.Style(p.Settings.SelectedStyle)
	var palette []string
	if p.AggregatedColorPalette != nil {
		palette = p.AggregatedColorPalette.Unified
	}
	view, err := e.vision.GenerateMeshView(ctx, refBytes, mimeType, angle, p.UserDescription, palette, style, hint)
	if err != nil {
		return nil, err
	}
	url, path, err := e.storeGeneratedView(ctx, p, angle, "mesh", view.URL)
	if err != nil {
		return nil, err
	}

	p.MeshImages[angle] = docstore.ProcessedImage{
		URL:          url,
		StoragePath:  path,
		Source:       docstore.SourceAI,
		ColorPalette: view.ColorPalette,
		GeneratedAt:  time.Now().UTC(),
	}
	agg := visionclient.AggregatePalette(viewsForPalette(p.MeshImages))
	p.AggregatedColorPalette = &agg
	p.RegenerationsUsed++

	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist regenerated view", err)
	}
	return p, nil
}

// StartMesh submits the four mesh-view URLs to the chosen provider.
func (e *Engine) StartMesh(ctx context.Context, pipelineID, callerUserID, providerName string, options map[string]interface{}) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	allowed := p.Status == docstore.StatusImagesReady ||
		(p.Status == docstore.StatusFailed && p.ErrorStep == docstore.ErrorStepMesh)
	if !allowed {
		return nil, classify.FailedPrecondition("startMesh requires images-ready or a failed mesh step")
	}
	if p.Status == docstore.StatusFailed && p.Settings.Provider != "" && p.Settings.Provider != providerName {
		return nil, classify.FailedPrecondition("retry must resubmit to the originally chosen provider")
	}
	for _, a := range docstore.Angles {
		if _, ok := p.MeshImages[a]; !ok {
			return nil, classify.FailedPrecondition("all four mesh views are required before startMesh")
		}
	}

	prov, err := e.registry.Get(providerName)
	if err != nil {
		return nil, classify.InvalidArgument(err.Error())
	}
	if err := prov.OptionSchema().Validate(options); err != nil {
		return nil, err
	}

	cost := int64(prov.Cost())
	if err := e.ledger.DeductCredits(ctx, p.UserID, cost, p.ID); err != nil {
		return nil, err
	}

	p.Settings.Provider = providerName
	p.Settings.ProviderOptions = options
	if err := e.move(ctx, p, docstore.StatusGeneratingMesh); err != nil {
		_ = e.ledger.RefundCredits(ctx, p.UserID, cost, p.ID)
		return nil, err
	}

	urls := make([]string, 0, len(docstore.Angles))
	for _, a := range docstore.Angles {
		urls = append(urls, p.MeshImages[a].URL)
	}
	handle, err := prov.Submit(ctx, urls, options)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepMesh, cost, err)
		return nil, serr
	}

	p.ProviderTaskID = handle.TaskID
	p.ProviderSubscriptionKey = handle.SubscriptionKey
	p.CreditsCharged.Mesh = int(cost)
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist mesh task handle", err)
	}
	return p, nil
}

// HandleMeshPollDone runs the download -> store -> transition sequence
// once the mesh provider reports succeeded (C6's completion handler).
func (e *Engine) HandleMeshPollDone(ctx context.Context, p *docstore.Pipeline, prov provider.Provider) (*docstore.Pipeline, error) {
	handle := provider.TaskHandle{TaskID: p.ProviderTaskID, SubscriptionKey: p.ProviderSubscriptionKey}
	files, err := prov.Download(ctx, handle, p.Settings.Format)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepMesh, int64(p.CreditsCharged.Mesh), err)
		return nil, serr
	}
	file, ok := provider.SelectDownload(files, p.Settings.Format)
	if !ok {
		p.DownloadRetryCount++
		if p.DownloadRetryCount > 60 {
			_, serr := e.failStage(ctx, p, docstore.ErrorStepMesh, int64(p.CreditsCharged.Mesh), classify.ServiceFailure("no matching mesh download after 60 retries", nil))
			return nil, serr
		}
		if err := e.store.Pipelines().Update(ctx, p); err != nil {
			return nil, classify.Internal("persist download retry count", err)
		}
		return p, nil
	}

	data, err := prov.FetchBytes(ctx, file.URL)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepMesh, int64(p.CreditsCharged.Mesh), classify.Network("fetch mesh bytes", err))
		return nil, serr
	}
	path := blobstore.MeshPath(p.UserID, p.ID, file.Format)
	url, err := e.blobs.PutBytes(ctx, path, data, blobstore.ContentType(file.Format))
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepMesh, int64(p.CreditsCharged.Mesh), classify.Internal("store mesh artifact", err))
		return nil, serr
	}

	p.MeshURL = url
	p.MeshStoragePath = path
	p.MeshFormat = file.Format
	p.MeshDownloadFiles = make([]docstore.DownloadFile, 0, len(files))
	for _, f := range files {
		p.MeshDownloadFiles = append(p.MeshDownloadFiles, docstore.DownloadFile(f))
	}
	p.DownloadRetryCount = 0
	if err := e.move(ctx, p, docstore.StatusMeshReady); err != nil {
		return nil, err
	}
	if err := e.ledger.IncrementGenerationCount(ctx, p.UserID); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("increment generation count failed")
	}
	return p, nil
}

// HandleMeshPollFailed fails the pipeline and refunds the mesh charge when
// the provider reports a terminal failed state.
func (e *Engine) HandleMeshPollFailed(ctx context.Context, p *docstore.Pipeline, cause error) (*docstore.Pipeline, error) {
	return e.failStage(ctx, p, docstore.ErrorStepMesh, int64(p.CreditsCharged.Mesh), classify.ServiceFailure("mesh provider reported failure", cause))
}

// HandleMeshPollProgress records an indeterminate in-progress poll without
// changing status.
func (e *Engine) HandleMeshPollProgress(ctx context.Context, p *docstore.Pipeline, progress *int) (*docstore.Pipeline, error) {
	if progress != nil {
		p.GenerationProgress.MeshViewsCompleted = *progress
	}
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist poll progress", err)
	}
	return p, nil
}

// StartTexture submits the stored mesh to the single Retexture provider.
func (e *Engine) StartTexture(ctx context.Context, pipelineID, callerUserID string, opts provider.RetextureOptions) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	allowed := p.Status == docstore.StatusMeshReady ||
		(p.Status == docstore.StatusFailed && p.ErrorStep == docstore.ErrorStepTexture)
	if !allowed {
		return nil, classify.FailedPrecondition("startTexture requires mesh-ready or a failed texture step")
	}
	front, ok := p.MeshImages[docstore.AngleFront]
	if !ok || front.URL == "" {
		return nil, classify.FailedPrecondition("front mesh view is required before startTexture")
	}
	if p.ProviderTaskID == "" {
		return nil, classify.FailedPrecondition("no mesh task id recorded")
	}

	retexture, err := e.registry.Retexture()
	if err != nil {
		return nil, classify.Internal("load retexture provider", err)
	}

	if err := e.ledger.DeductCredits(ctx, p.UserID, TextureCost, p.ID); err != nil {
		return nil, err
	}
	if err := e.move(ctx, p, docstore.StatusGeneratingTexture); err != nil {
		_ = e.ledger.RefundCredits(ctx, p.UserID, TextureCost, p.ID)
		return nil, err
	}

	if opts.StyleURL == "" {
		opts.StyleURL = front.URL
	}
	handle, err := retexture.SubmitFromMesh(ctx, p.ProviderTaskID, opts)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepTexture, TextureCost, err)
		return nil, serr
	}

	p.TextureTaskID = handle.TaskID
	p.CreditsCharged.Texture = TextureCost
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist texture task handle", err)
	}
	return p, nil
}

// HandleTexturePollDone fetches and stores the retextured model and
// completes the pipeline.
func (e *Engine) HandleTexturePollDone(ctx context.Context, p *docstore.Pipeline, retexture provider.RetextureProvider) (*docstore.Pipeline, error) {
	handle := provider.TaskHandle{TaskID: p.TextureTaskID}
	files, err := retexture.Download(ctx, handle, "glb")
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepTexture, int64(p.CreditsCharged.Texture), err)
		return nil, serr
	}
	file, ok := provider.SelectDownload(files, "glb")
	if !ok {
		p.DownloadRetryCount++
		if p.DownloadRetryCount > 60 {
			_, serr := e.failStage(ctx, p, docstore.ErrorStepTexture, int64(p.CreditsCharged.Texture), classify.ServiceFailure("no textured model after 60 retries", nil))
			return nil, serr
		}
		if err := e.store.Pipelines().Update(ctx, p); err != nil {
			return nil, classify.Internal("persist download retry count", err)
		}
		return p, nil
	}

	data, err := retexture.FetchBytes(ctx, file.URL)
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepTexture, int64(p.CreditsCharged.Texture), classify.Network("fetch textured model", err))
		return nil, serr
	}
	path := blobstore.TexturedModelPath(p.UserID, p.ID)
	url, err := e.blobs.PutBytes(ctx, path, data, blobstore.ContentType("glb"))
	if err != nil {
		_, serr := e.failStage(ctx, p, docstore.ErrorStepTexture, int64(p.CreditsCharged.Texture), classify.Internal("store textured model", err))
		return nil, serr
	}

	p.TexturedModelURL = url
	p.TexturedModelStoragePath = path
	p.DownloadRetryCount = 0
	markCompleted(p)
	if err := e.move(ctx, p, docstore.StatusCompleted); err != nil {
		return nil, err
	}
	return p, nil
}

// HandleTexturePollFailed fails the pipeline and refunds the texture
// charge.
func (e *Engine) HandleTexturePollFailed(ctx context.Context, p *docstore.Pipeline, cause error) (*docstore.Pipeline, error) {
	return e.failStage(ctx, p, docstore.ErrorStepTexture, int64(p.CreditsCharged.Texture), classify.ServiceFailure("texture provider reported failure", cause))
}

// ResetStep rewinds the Pipeline to an earlier status. With
// keepResults=false it cascades the clear rules from §4.5; it never
// touches the ledger — credits already spent are acknowledged as lost to
// the user, per the UI contract.
func (e *Engine) ResetStep(ctx context.Context, pipelineID, callerUserID string, target docstore.Status, keepResults bool) (*docstore.Pipeline, error) {
	p, err := e.authorize(ctx, pipelineID, callerUserID)
	if err != nil {
		return nil, err
	}
	if !ResetTargets[target] {
		return nil, classify.InvalidArgument("invalid reset target")
	}
	if IsGenerating(p.Status) {
		return nil, classify.FailedPrecondition("cannot reset while a stage is in progress")
	}

	if !keepResults {
		clearFromDraft := target == docstore.StatusDraft
		clearFromImagesReady := clearFromDraft || target == docstore.StatusImagesReady
		clearFromMeshReady := clearFromImagesReady || target == docstore.StatusMeshReady

		if clearFromDraft {
			p.MeshImages = map[docstore.Angle]docstore.ProcessedImage{}
			p.AggregatedColorPalette = nil
			p.GenerationProgress = docstore.GenerationProgress{}
		}
		if clearFromImagesReady {
			p.ProviderTaskID = ""
			p.ProviderSubscriptionKey = ""
			p.MeshURL = ""
			p.MeshStoragePath = ""
			p.MeshDownloadFiles = nil
			p.MeshFormat = ""
			p.CreditsCharged.Mesh = 0
		}
		if clearFromMeshReady {
			p.TextureTaskID = ""
			p.TexturedModelURL = ""
			p.TexturedModelStoragePath = ""
			p.CompletedAt = nil
			p.CreditsCharged.Texture = 0
		}
	}

	p.Error = ""
	p.ErrorStep = ""
	from := p.Status
	p.Status = target
	if err := e.store.Pipelines().Update(ctx, p); err != nil {
		return nil, classify.Internal("persist reset pipeline", err)
	}
	e.recordTransition(ctx, from, target)
	return p, nil
}
