// Package visionclient implements the vision/view generator (C4): image
// analysis, staggered four-angle view synthesis against a rate-limited
// vision API, and deterministic palette aggregation.
package visionclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/ratelimit"
)

// angleOffsetsMs are the fixed stagger offsets from §4.3: 0, 500, 1000, 1500.
var angleOffsetsMs = []int{0, 500, 1000, 1500}

// perRequestTimeout bounds each individual angle's generation call.
const perRequestTimeout = 60 * time.Second

// GeneratedView is the result of one successful angle generation.
type GeneratedView struct {
	URL          string
	ColorPalette []string
}

// ProgressCallback fires after each angle in the fan-out completes. Type is
// always "mesh" per §4.3; total is always 4.
type ProgressCallback func(angle docstore.Angle, completed, total int)

// Client is the vision API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	stagger    *ratelimit.StaggerFloor
}

// New builds a Client enforcing a stagger floor of staggerGap between
// successive request initiations on this key, per §4.3's 500 ms minimum
// gap.
func New(baseURL, apiKey string, staggerGap time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: perRequestTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		stagger:    ratelimit.NewStaggerFloor(staggerGap),
	}
}

// AnalyzeImage returns the imageAnalysis structure for a reference image.
func (c *Client) AnalyzeImage(ctx context.Context, refBytes []byte, colorCount int, printerType, locale, style string) (docstore.Analysis, error) {
	body := map[string]interface{}{
		"image":       base64.StdEncoding.EncodeToString(refBytes),
		"colorCount":  colorCount,
		"printerType": printerType,
		"locale":      locale,
		"style":       style,
	}
	raw, err := c.post(ctx, "/analyze", body)
	if err != nil {
		return docstore.Analysis{}, err
	}
	if blocked := gjson.GetBytes(raw, "blockReason").String(); blocked != "" {
		return docstore.Analysis{}, ContentBlocked(blocked)
	}

	var analysis docstore.Analysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return docstore.Analysis{}, ProviderError("decode analysis", err)
	}
	return analysis, nil
}

// GenerateMeshView generates (or regenerates) one angle. hint is an
// optional free-text regeneration note; it is empty for the initial
// fan-out call.
func (c *Client) GenerateMeshView(ctx context.Context, refBytes []byte, mimeType string, angle docstore.Angle, userDescription string, palette []string, style Style, hint string) (GeneratedView, error) {
	ctx, cancel := context.WithTimeout(ctx, perRequestTimeout)
	defer cancel()

	prompt := buildAnglePrompt(angle, userDescription, palette, style, hint)
	body := map[string]interface{}{
		"image":    base64.StdEncoding.EncodeToString(refBytes),
		"mimeType": mimeType,
		"angle":    string(angle),
		"prompt":   prompt,
	}
	raw, err := c.post(ctx, "/generate-view", body)
	if err != nil {
		return GeneratedView{}, err
	}
	return parseGeneratedView(raw)
}

func parseGeneratedView(raw []byte) (GeneratedView, error) {
	if blocked := gjson.GetBytes(raw, "blockReason").String(); blocked != "" {
		return GeneratedView{}, ContentBlocked(blocked)
	}

	imageURL := gjson.GetBytes(raw, "image").String()
	if imageURL == "" {
		if worst, ok := worstSafetyRating(raw); ok {
			return GeneratedView{}, SafetyBlocked(worst)
		}
		text := gjson.GetBytes(raw, "text").String()
		return GeneratedView{}, NoImageReturned(text)
	}

	var palette []string
	for _, v := range gjson.GetBytes(raw, "colorPalette").Array() {
		palette = append(palette, strings.ToUpper(v.String()))
	}
	return GeneratedView{URL: imageURL, ColorPalette: palette}, nil
}

// worstSafetyRating reports whether any safety rating exceeds LOW
// probability, returning its category.
func worstSafetyRating(raw []byte) (string, bool) {
	var found string
	gjson.GetBytes(raw, "safetyRatings").ForEach(func(_, rating gjson.Result) bool {
		prob := rating.Get("probability").String()
		if prob != "" && prob != "LOW" && prob != "NEGLIGIBLE" {
			found = rating.Get("category").String()
			return false
		}
		return true
	})
	return found, found != ""
}

// fanoutResult carries one angle's outcome back from its goroutine.
type fanoutResult struct {
	angle docstore.Angle
	view  GeneratedView
	err   error
}

// GenerateAllViewsParallel launches the four angle requests at the fixed
// stagger offsets and awaits all four. If any angle fails, the call waits
// for the remaining angles to finish, discards their results, and returns
// the first error encountered, per §4.3's failure policy.
func (c *Client) GenerateAllViewsParallel(ctx context.Context, refBytes []byte, mimeType, userDescription string, palette []string, style Style, progress ProgressCallback) (map[docstore.Angle]GeneratedView, error) {
	results := make(chan fanoutResult, len(docstore.Angles))

	for i, angle := range docstore.Angles {
		offset := time.Duration(angleOffsetsMs[i]) * time.Millisecond
		go func(angle docstore.Angle, offset time.Duration) {
			select {
			case <-time.After(offset):
			case <-ctx.Done():
				results <- fanoutResult{angle: angle, err: ctx.Err()}
				return
			}
			if err := c.stagger.Wait(ctx); err != nil {
				results <- fanoutResult{angle: angle, err: err}
				return
			}
			view, err := c.GenerateMeshView(ctx, refBytes, mimeType, angle, userDescription, palette, style, "")
			results <- fanoutResult{angle: angle, view: view, err: err}
		}(angle, offset)
	}

	views := make(map[docstore.Angle]GeneratedView, len(docstore.Angles))
	var firstErr error
	completed := 0
	for range docstore.Angles {
		r := <-results
		completed++
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		views[r.angle] = r.view
		if progress != nil {
			progress(r.angle, completed, len(docstore.Angles))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return views, nil
}

// AggregatePalette implements invariant 7: frequency-sort hex codes
// case-insensitively across angles, ties broken by first appearance in
// front→back→left→right order, returning the full ordered list and its
// first 7 entries as dominant colors.
func AggregatePalette(views map[docstore.Angle]GeneratedView) docstore.AggregatedPalette {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0
	for _, angle := range docstore.Angles {
		view, ok := views[angle]
		if !ok {
			continue
		}
		for _, hex := range view.ColorPalette {
			key := strings.ToUpper(hex)
			counts[key]++
			if _, seen := firstSeen[key]; !seen {
				firstSeen[key] = order
				order++
			}
		}
	}

	unique := make([]string, 0, len(counts))
	for hex := range counts {
		unique = append(unique, hex)
	}
	sort.Slice(unique, func(i, j int) bool {
		if counts[unique[i]] != counts[unique[j]] {
			return counts[unique[i]] > counts[unique[j]]
		}
		return firstSeen[unique[i]] < firstSeen[unique[j]]
	})

	dominant := unique
	if len(dominant) > 7 {
		dominant = dominant[:7]
	}
	return docstore.AggregatedPalette{Unified: unique, DominantColors: dominant}
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, ProviderError("marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, ProviderError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ProviderError("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ProviderError("read response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, ProviderError(fmt.Sprintf("status %d", resp.StatusCode), fmt.Errorf("%s", string(raw)))
	}
	return raw, nil
}
