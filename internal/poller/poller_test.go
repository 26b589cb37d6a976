package poller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/orchestrator/internal/blobstore"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/ledger"
	"github.com/meshforge/orchestrator/internal/pipeline"
	"github.com/meshforge/orchestrator/internal/provider"
	"github.com/meshforge/orchestrator/internal/visionclient"
)

type fakeProvider struct {
	pollResult provider.PollResult
	downloads  []provider.DownloadFile
	fetchData  []byte
}

func (f *fakeProvider) Name() string                          { return "meshy" }
func (f *fakeProvider) Cost() int                              { return 5 }
func (f *fakeProvider) OptionSchema() provider.OptionSchema    { return provider.OptionSchema{} }
func (f *fakeProvider) Submit(ctx context.Context, urls []string, options map[string]interface{}) (provider.TaskHandle, error) {
	return provider.TaskHandle{TaskID: "t1"}, nil
}
func (f *fakeProvider) Poll(ctx context.Context, handle provider.TaskHandle) (provider.PollResult, error) {
	return f.pollResult, nil
}
func (f *fakeProvider) Download(ctx context.Context, handle provider.TaskHandle, preferredFormat string) ([]provider.DownloadFile, error) {
	return f.downloads, nil
}
func (f *fakeProvider) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.fetchData, nil
}

func TestCheckStatusMeshSucceededTransitionsToMeshReady(t *testing.T) {
	store := docstore.NewMockStore()
	store.SeedUser(&docstore.User{ID: "user-1", Credits: 100})

	ctx := context.Background()
	pl := &docstore.Pipeline{
		UserID:         "user-1",
		Status:         docstore.StatusGeneratingMesh,
		ProviderTaskID: "t1",
		Settings:       docstore.Settings{Provider: "meshy", Format: "glb"},
		MeshImages:     map[docstore.Angle]docstore.ProcessedImage{},
	}
	require.NoError(t, store.Pipelines().Create(ctx, pl))

	blobs, err := blobstore.New(t.TempDir(), "http://blobs.local")
	require.NoError(t, err)
	registry := provider.NewRegistry()
	fp := &fakeProvider{
		pollResult: provider.PollResult{State: provider.StateSucceeded},
		downloads:  []provider.DownloadFile{{Format: "glb", URL: "http://mesh.invalid/m.glb"}},
		fetchData:  []byte("glb-bytes"),
	}
	registry.Register(fp)

	vc := visionclient.New("http://vision.invalid", "key", 0)
	engine := pipeline.New(store, ledger.New(store, nil), blobs, vc, registry, nil)

	poller := New(store, engine, registry, nil, nil)
	result, err := poller.CheckStatus(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusMeshReady, result.Status)
	assert.NotEmpty(t, result.MeshURL)
}

func TestCheckStatusNonGeneratingIsNoop(t *testing.T) {
	store := docstore.NewMockStore()
	ctx := context.Background()
	pl := &docstore.Pipeline{UserID: "user-1", Status: docstore.StatusDraft}
	require.NoError(t, store.Pipelines().Create(ctx, pl))

	registry := provider.NewRegistry()
	vc := visionclient.New("http://vision.invalid", "key", 0)
	blobs, err := blobstore.New(t.TempDir(), "http://blobs.local")
	require.NoError(t, err)
	engine := pipeline.New(store, ledger.New(store, nil), blobs, vc, registry, nil)

	poller := New(store, engine, registry, nil, nil)
	result, err := poller.CheckStatus(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusDraft, result.Status)
}
