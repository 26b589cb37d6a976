package visionclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/orchestrator/internal/docstore"
)

func TestAggregatePaletteDeterministic(t *testing.T) {
	views := map[docstore.Angle]GeneratedView{
		docstore.AngleFront: {ColorPalette: []string{"#ff0000", "#00ff00"}},
		docstore.AngleBack:  {ColorPalette: []string{"#00FF00", "#0000FF"}},
		docstore.AngleLeft:  {ColorPalette: []string{"#FF0000"}},
		docstore.AngleRight: {ColorPalette: []string{"#0000FF", "#FF0000"}},
	}

	agg := AggregatePalette(views)
	// #FF0000 appears 3x, #00FF00 2x, #0000FF 2x (first-seen at back, before right's 0000FF).
	assert.Equal(t, []string{"#FF0000", "#00FF00", "#0000FF"}, agg.Unified)
	assert.Equal(t, agg.Unified, agg.DominantColors)
}

func TestAggregatePaletteCapsDominantAtSeven(t *testing.T) {
	views := map[docstore.Angle]GeneratedView{
		docstore.AngleFront: {ColorPalette: []string{"#1", "#2", "#3", "#4", "#5", "#6", "#7", "#8"}},
	}
	agg := AggregatePalette(views)
	assert.Len(t, agg.Unified, 8)
	assert.Len(t, agg.DominantColors, 7)
}

func TestParseGeneratedViewBlockReason(t *testing.T) {
	raw := []byte(`{"blockReason":"policy"}`)
	_, err := parseGeneratedView(raw)
	require.Error(t, err)
}

func TestParseGeneratedViewNoImageNoSafety(t *testing.T) {
	raw := []byte(`{"text":"could not render"}`)
	_, err := parseGeneratedView(raw)
	require.Error(t, err)
}

func TestParseGeneratedViewSafetyBlocked(t *testing.T) {
	raw := []byte(`{"safetyRatings":[{"category":"violence","probability":"HIGH"}]}`)
	_, err := parseGeneratedView(raw)
	require.Error(t, err)
}

func TestParseGeneratedViewSuccess(t *testing.T) {
	raw := []byte(`{"image":"https://example/view.png","colorPalette":["#abc123"]}`)
	view, err := parseGeneratedView(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://example/view.png", view.URL)
	assert.Equal(t, []string{"#ABC123"}, view.ColorPalette)
}

// TestGenerateAllViewsParallelStaggersAndCompletes simulates scenario 6:
// under a fake 50ms-latency server and a 20ms stagger floor, four angles
// complete and the progress callback fires four times. The launch offsets
// are fixed at 0/500/1000/1500ms, so the call ends shortly after 1.5s.
func TestGenerateAllViewsParallelStaggersAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond) // scaled-down simulated latency
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"image":        "https://example/view.png",
			"colorPalette": []string{"#111111"},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 20*time.Millisecond)

	var completions []docstore.Angle
	progress := func(angle docstore.Angle, completed, total int) {
		completions = append(completions, angle)
		assert.Equal(t, 4, total)
	}

	start := time.Now()
	views, err := client.GenerateAllViewsParallel(context.Background(), []byte("ref"), "image/png", "", nil, StyleNone, progress)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Len(t, views, 4)
	assert.Len(t, completions, 4)
	assert.Less(t, elapsed, 2500*time.Millisecond)
}
