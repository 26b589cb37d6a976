package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/orchestrator/internal/blobstore"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/ledger"
	"github.com/meshforge/orchestrator/internal/provider"
	"github.com/meshforge/orchestrator/internal/visionclient"
)

// fakeMeshProvider is a scripted provider.Provider double for engine tests.
type fakeMeshProvider struct {
	name        string
	cost        int
	submitErr   error
	pollResults []provider.PollResult
	pollCalls   int
	downloads   []provider.DownloadFile
	fetchData   []byte
}

func (f *fakeMeshProvider) Name() string                  { return f.name }
func (f *fakeMeshProvider) Cost() int                      { return f.cost }
func (f *fakeMeshProvider) OptionSchema() provider.OptionSchema { return provider.OptionSchema{} }

func (f *fakeMeshProvider) Submit(ctx context.Context, imageURLs []string, options map[string]interface{}) (provider.TaskHandle, error) {
	if f.submitErr != nil {
		return provider.TaskHandle{}, f.submitErr
	}
	return provider.TaskHandle{TaskID: "task-1", SubscriptionKey: "sub-1"}, nil
}

func (f *fakeMeshProvider) Poll(ctx context.Context, handle provider.TaskHandle) (provider.PollResult, error) {
	r := f.pollResults[f.pollCalls]
	if f.pollCalls < len(f.pollResults)-1 {
		f.pollCalls++
	}
	return r, nil
}

func (f *fakeMeshProvider) Download(ctx context.Context, handle provider.TaskHandle, preferredFormat string) ([]provider.DownloadFile, error) {
	return f.downloads, nil
}

func (f *fakeMeshProvider) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.fetchData, nil
}

func newTestEngine(t *testing.T, store docstore.DocStore, visionSrv *httptest.Server) *Engine {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir(), "http://blobs.local")
	require.NoError(t, err)
	vc := visionclient.New(visionSrv.URL, "test-key", 0)
	registry := provider.NewRegistry()
	return New(store, ledger.New(store, nil), blobs, vc, registry, nil)
}

func seedUserAndDraft(t *testing.T, store *docstore.MockStore, credits int64) *docstore.Pipeline {
	t.Helper()
	store.SeedUser(&docstore.User{ID: "user-1", Credits: credits})
	ctx := context.Background()

	e := &Engine{store: store}
	p, err := e.Create(ctx, "user-1", []string{"uploads/user-1/ref.jpg"}, docstore.Settings{SelectedStyle: "chibi"}, docstore.ProcessingRealtime, "", &docstore.Analysis{ColorPalette: []string{"#FF0000", "#00FF00", "#0000FF"}}, "default", "chibi")
	require.NoError(t, err)
	return p
}

func visionTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("view-bytes"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"image":        srv.URL + "/angle.png",
			"colorPalette": []string{"#FF0000"},
		})
	}))
	return srv
}

// TestHappyPathMeshyChibi mirrors scenario 1: generateViews debits 3,
// startMesh(meshy, cost 5) debits 5, two polls (running then succeeded)
// complete the mesh, leaving status=mesh-ready (no texture step) and the
// balance decremented by exactly 8.
func TestHappyPathMeshyChibi(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	visionSrv := visionTestServer(t)
	defer visionSrv.Close()

	// Reroute the reference fetch through the real blob path used by the
	// engine under test: seed the same blob under this engine's own root.
	e := newTestEngine(t, store, visionSrv)
	_, err := e.blobs.(*blobstore.FilesystemStore).PutBytes(context.Background(), "uploads/user-1/ref.jpg", []byte("fake-ref"), "image/jpeg")
	require.NoError(t, err)

	ctx := context.Background()
	p, err = e.GenerateViews(ctx, p.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusImagesReady, p.Status)
	assert.Equal(t, ViewsCost, p.CreditsCharged.Views)
	assert.Equal(t, []string{"#FF0000"}, p.AggregatedColorPalette.Unified)

	meshy := &fakeMeshProvider{
		name: "meshy",
		cost: 5,
		pollResults: []provider.PollResult{
			{State: provider.StateRunning},
			{State: provider.StateSucceeded},
		},
		downloads: []provider.DownloadFile{{Format: "glb", URL: "http://mesh.invalid/m.glb", Name: "m"}},
		fetchData: []byte("glb-bytes"),
	}
	e.registry.Register(meshy)

	p.Settings.Format = "glb"
	require.NoError(t, store.Pipelines().Update(ctx, p))

	p, err = e.StartMesh(ctx, p.ID, "user-1", "meshy", nil)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusGeneratingMesh, p.Status)
	assert.Equal(t, 5, p.CreditsCharged.Mesh)

	res, err := meshy.Poll(ctx, provider.TaskHandle{TaskID: p.ProviderTaskID})
	require.NoError(t, err)
	assert.Equal(t, provider.StateRunning, res.State)
	p, err = e.HandleMeshPollProgress(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusGeneratingMesh, p.Status)

	res, err = meshy.Poll(ctx, provider.TaskHandle{TaskID: p.ProviderTaskID})
	require.NoError(t, err)
	assert.Equal(t, provider.StateSucceeded, res.State)
	p, err = e.HandleMeshPollDone(ctx, p, meshy)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusMeshReady, p.Status)
	assert.NotEmpty(t, p.MeshURL)

	user, err := store.Users().Get(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100-8, user.Credits)
}

// TestRegenerateViewCap mirrors scenario 2: five calls on an images-ready
// pipeline, the fifth returns ResourceExhausted without mutation.
func TestRegenerateViewCap(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	visionSrv := visionTestServer(t)
	defer visionSrv.Close()
	e := newTestEngine(t, store, visionSrv)
	_, err := e.blobs.(*blobstore.FilesystemStore).PutBytes(context.Background(), "uploads/user-1/ref.jpg", []byte("fake-ref"), "image/jpeg")
	require.NoError(t, err)

	ctx := context.Background()
	p, err = e.GenerateViews(ctx, p.ID, "user-1")
	require.NoError(t, err)

	for i := 0; i < docstore.MaxRegenerations; i++ {
		p, err = e.RegenerateView(ctx, p.ID, "user-1", docstore.AngleFront, "bigger ears")
		require.NoError(t, err)
	}
	assert.Equal(t, docstore.MaxRegenerations, p.RegenerationsUsed)

	before := p.RegenerationsUsed
	_, err = e.RegenerateView(ctx, p.ID, "user-1", docstore.AngleFront, "even bigger")
	require.Error(t, err)

	after, err := store.Pipelines().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after.RegenerationsUsed)
}

// TestStartMeshFailureRefunds mirrors scenario 3: a provider-reported
// failed poll refunds the mesh debit and records errorStep.
func TestStartMeshFailureRefunds(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	visionSrv := visionTestServer(t)
	defer visionSrv.Close()
	e := newTestEngine(t, store, visionSrv)
	_, err := e.blobs.(*blobstore.FilesystemStore).PutBytes(context.Background(), "uploads/user-1/ref.jpg", []byte("fake-ref"), "image/jpeg")
	require.NoError(t, err)

	ctx := context.Background()
	p, err = e.GenerateViews(ctx, p.ID, "user-1")
	require.NoError(t, err)

	hunyuan := &fakeMeshProvider{name: "hunyuan", cost: 6}
	e.registry.Register(hunyuan)

	p, err = e.StartMesh(ctx, p.ID, "user-1", "hunyuan", nil)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusGeneratingMesh, p.Status)

	p, err = e.HandleMeshPollFailed(ctx, p, assert.AnError)
	require.Error(t, err)
	assert.Equal(t, docstore.StatusFailed, p.Status)
	assert.Equal(t, docstore.ErrorStepMesh, p.ErrorStep)
	assert.Equal(t, 0, p.CreditsCharged.Mesh)

	user, err := store.Users().Get(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100-ViewsCost, user.Credits)

	txs, err := store.Transactions().ListByJob(ctx, p.ID)
	require.NoError(t, err)
	var hasDebit, hasRefund bool
	for _, tx := range txs {
		if tx.Amount == -6 {
			hasDebit = true
		}
		if tx.Amount == 6 {
			hasRefund = true
		}
	}
	assert.True(t, hasDebit)
	assert.True(t, hasRefund)
}

// TestResetStepKeepResults mirrors scenario 4: resetting back to
// images-ready with keepResults=true preserves meshUrl and creditsCharged.
func TestResetStepKeepResults(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	ctx := context.Background()
	p.Status = docstore.StatusMeshReady
	p.MeshURL = "http://blobs.local/mesh.glb"
	p.CreditsCharged.Mesh = 5
	require.NoError(t, store.Pipelines().Update(ctx, p))

	e := &Engine{store: store, ledger: ledger.New(store, nil)}
	p, err := e.ResetStep(ctx, p.ID, "user-1", docstore.StatusImagesReady, true)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusImagesReady, p.Status)
	assert.Equal(t, "http://blobs.local/mesh.glb", p.MeshURL)
	assert.Equal(t, 5, p.CreditsCharged.Mesh)
}

// TestResetStepDiscardResults mirrors scenario 5: resetting without
// keepResults wipes mesh outputs and zeroes creditsCharged.mesh, with no
// ledger row written (credit loss acknowledged, not refunded).
func TestResetStepDiscardResults(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	ctx := context.Background()
	p.Status = docstore.StatusMeshReady
	p.MeshURL = "http://blobs.local/mesh.glb"
	p.MeshDownloadFiles = []docstore.DownloadFile{{Format: "glb"}}
	p.ProviderTaskID = "task-1"
	p.CreditsCharged.Mesh = 5
	require.NoError(t, store.Pipelines().Update(ctx, p))

	e := &Engine{store: store, ledger: ledger.New(store, nil)}
	p, err := e.ResetStep(ctx, p.ID, "user-1", docstore.StatusImagesReady, false)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusImagesReady, p.Status)
	assert.Empty(t, p.MeshURL)
	assert.Empty(t, p.MeshDownloadFiles)
	assert.Empty(t, p.ProviderTaskID)
	assert.Equal(t, 0, p.CreditsCharged.Mesh)

	user, err := store.Users().Get(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, user.Credits)
}

// TestOwnershipIsolation mirrors P6: a caller that does not own the
// pipeline gets PermissionDenied.
func TestOwnershipIsolation(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	e := &Engine{store: store}
	_, err := e.Get(context.Background(), p.ID, "someone-else")
	require.Error(t, err)
}

// fakeRetextureProvider is a scripted provider.RetextureProvider double.
type fakeRetextureProvider struct {
	downloads []provider.DownloadFile
	fetchData []byte
}

func (f *fakeRetextureProvider) SubmitFromMesh(ctx context.Context, meshTaskID string, opts provider.RetextureOptions) (provider.TaskHandle, error) {
	return provider.TaskHandle{TaskID: "texture-task-1"}, nil
}

func (f *fakeRetextureProvider) Poll(ctx context.Context, handle provider.TaskHandle) (provider.PollResult, error) {
	return provider.PollResult{State: provider.StateSucceeded}, nil
}

func (f *fakeRetextureProvider) Download(ctx context.Context, handle provider.TaskHandle, preferredFormat string) ([]provider.DownloadFile, error) {
	return f.downloads, nil
}

func (f *fakeRetextureProvider) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.fetchData, nil
}

// TestStartTextureHappyPath drives mesh-ready through startTexture to
// completed, matching invariant 1 (completed implies meshUrl present).
func TestStartTextureHappyPath(t *testing.T) {
	store := docstore.NewMockStore()
	p := seedUserAndDraft(t, store, 100)

	ctx := context.Background()
	p.Status = docstore.StatusMeshReady
	p.MeshURL = "http://blobs.local/mesh.glb"
	p.ProviderTaskID = "mesh-task-1"
	p.MeshImages = map[docstore.Angle]docstore.ProcessedImage{
		docstore.AngleFront: {URL: "http://blobs.local/mesh_front.png", Source: docstore.SourceAI},
		docstore.AngleBack:  {URL: "http://blobs.local/mesh_back.png", Source: docstore.SourceAI},
		docstore.AngleLeft:  {URL: "http://blobs.local/mesh_left.png", Source: docstore.SourceAI},
		docstore.AngleRight: {URL: "http://blobs.local/mesh_right.png", Source: docstore.SourceAI},
	}
	require.NoError(t, store.Pipelines().Update(ctx, p))

	blobs, err := blobstore.New(t.TempDir(), "http://blobs.local")
	require.NoError(t, err)
	e := &Engine{store: store, ledger: ledger.New(store, nil), blobs: blobs, registry: provider.NewRegistry()}

	retexture := &fakeRetextureProvider{
		downloads: []provider.DownloadFile{{Format: "glb", URL: "http://texture.invalid/t.glb"}},
		fetchData: []byte("textured-glb-bytes"),
	}
	e.registry.SetRetexture(retexture)

	p, err = e.StartTexture(ctx, p.ID, "user-1", provider.RetextureOptions{EnablePBR: true})
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusGeneratingTexture, p.Status)
	assert.Equal(t, TextureCost, p.CreditsCharged.Texture)

	p, err = e.HandleTexturePollDone(ctx, p, retexture)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusCompleted, p.Status)
	assert.NotEmpty(t, p.TexturedModelURL)
	assert.NotNil(t, p.CompletedAt)

	user, err := store.Users().Get(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100-TextureCost, user.Credits)
}
