package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionSchemaValidate(t *testing.T) {
	schema := OptionSchema{Fields: []OptionField{
		{Name: "faceCount", Expression: `faceCount >= 40000 && faceCount <= 1500000`},
	}}

	assert.NoError(t, schema.Validate(map[string]interface{}{"faceCount": 100000}))
	assert.NoError(t, schema.Validate(nil))

	err := schema.Validate(map[string]interface{}{"faceCount": 10})
	require.Error(t, err)
}

func TestSelectDownloadPrefersConfiguredFormat(t *testing.T) {
	files := []DownloadFile{{Format: "obj"}, {Format: "glb"}, {Format: "fbx"}}

	f, ok := SelectDownload(files, "fbx")
	require.True(t, ok)
	assert.Equal(t, "fbx", f.Format)
}

func TestSelectDownloadFallsBackInPreferenceOrder(t *testing.T) {
	files := []DownloadFile{{Format: "stl"}, {Format: "obj"}}

	f, ok := SelectDownload(files, "glb")
	require.True(t, ok)
	assert.Equal(t, "obj", f.Format)
}

func TestSelectDownloadNoMatch(t *testing.T) {
	_, ok := SelectDownload(nil, "glb")
	assert.False(t, ok)
}

func TestPollExtractsTopLevelFieldsViaJSONPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"running","progress":42}`))
	}))
	defer srv.Close()

	meshy := NewMeshy(srv.URL, "key")
	result, err := meshy.Poll(context.Background(), TaskHandle{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, result.State)
	require.NotNil(t, result.Progress)
	assert.Equal(t, 42, *result.Progress)
}

func TestPollExtractsNestedFieldsViaJSONPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"task":{"state":"succeeded","progress":100}}`))
	}))
	defer srv.Close()

	hunyuan := NewHunyuan(srv.URL, "key")
	result, err := hunyuan.Poll(context.Background(), TaskHandle{TaskID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, result.State)
	require.NotNil(t, result.Progress)
	assert.Equal(t, 100, *result.Progress)
}

func TestPollNestedDifferentFieldNamesViaJSONPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job":{"status":"queued"}}`))
	}))
	defer srv.Close()

	rodin := NewRodin(srv.URL, "key")
	result, err := rodin.Poll(context.Background(), TaskHandle{TaskID: "t3"})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, result.State)
	assert.Nil(t, result.Progress)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMeshy("http://example.invalid", "key"))

	_, err := r.Get("meshy")
	assert.NoError(t, err)

	_, err = r.Get("nonexistent")
	assert.Error(t, err)
}
