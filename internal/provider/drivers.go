package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

// httpDriver is the shared HTTP transport every mesh-provider driver is
// built from; only the name, cost, base URL, and option schema differ
// between meshy/tripo/hunyuan/rodin, matching the registry's per-driver
// cost/option table rather than duplicating request plumbing four times.
// Each driver's poll response nests its state/progress fields differently
// (meshy and tripo return them at the top level, hunyuan and rodin nest
// them under a task/job envelope), so statePath/progressPath are JSONPath
// expressions evaluated against the decoded response rather than a single
// fixed struct shape.
type httpDriver struct {
	name         string
	cost         int
	schema       OptionSchema
	baseURL      string
	apiKey       string
	statePath    string
	progressPath string
	client       *http.Client
}

func newHTTPDriver(name string, cost int, schema OptionSchema, baseURL, apiKey, statePath, progressPath string) *httpDriver {
	return &httpDriver{
		name:         name,
		cost:         cost,
		schema:       schema,
		baseURL:      baseURL,
		apiKey:       apiKey,
		statePath:    statePath,
		progressPath: progressPath,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *httpDriver) Name() string            { return d.name }
func (d *httpDriver) Cost() int               { return d.cost }
func (d *httpDriver) OptionSchema() OptionSchema { return d.schema }

type submitRequest struct {
	ImageURLs []string               `json:"imageUrls"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type submitResponse struct {
	TaskID          string `json:"taskId"`
	SubscriptionKey string `json:"subscriptionKey"`
}

func (d *httpDriver) Submit(ctx context.Context, imageURLs []string, options map[string]interface{}) (TaskHandle, error) {
	if err := d.schema.Validate(options); err != nil {
		return TaskHandle{}, err
	}
	var out submitResponse
	if err := d.postJSON(ctx, "/submit", submitRequest{ImageURLs: imageURLs, Options: options}, &out); err != nil {
		return TaskHandle{}, err
	}
	return TaskHandle{TaskID: out.TaskID, SubscriptionKey: out.SubscriptionKey}, nil
}

// Poll decodes the raw poll response into an untyped document and pulls
// state/progress out via this driver's JSONPath expressions, since the
// four backends disagree on where those fields live in the envelope.
func (d *httpDriver) Poll(ctx context.Context, handle TaskHandle) (PollResult, error) {
	raw, err := d.getRawJSON(ctx, fmt.Sprintf("/tasks/%s", handle.TaskID))
	if err != nil {
		return PollResult{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PollResult{}, fmt.Errorf("%s: decode poll response: %w", d.name, err)
	}

	stateVal, err := jsonpath.Get(d.statePath, doc)
	if err != nil {
		return PollResult{}, fmt.Errorf("%s: extract state via %q: %w", d.name, d.statePath, err)
	}
	stateStr, ok := stateVal.(string)
	if !ok {
		return PollResult{}, fmt.Errorf("%s: state at %q is not a string", d.name, d.statePath)
	}

	result := PollResult{State: State(stateStr)}
	if progVal, err := jsonpath.Get(d.progressPath, doc); err == nil {
		if f, ok := progVal.(float64); ok {
			p := int(f)
			result.Progress = &p
		}
	}
	return result, nil
}

type downloadResponse struct {
	Files []DownloadFile `json:"files"`
}

func (d *httpDriver) Download(ctx context.Context, handle TaskHandle, preferredFormat string) ([]DownloadFile, error) {
	var out downloadResponse
	path := fmt.Sprintf("/tasks/%s/download?format=%s", handle.TaskID, preferredFormat)
	if err := d.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (d *httpDriver) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bytes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch bytes: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (d *httpDriver) postJSON(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	return d.do(req, out)
}

func (d *httpDriver) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	return d.do(req, out)
}

// getRawJSON returns the undecoded response body, for callers (Poll) that
// need to walk it with a JSONPath expression instead of a fixed struct.
func (d *httpDriver) getRawJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", d.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", d.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", d.name, resp.StatusCode, string(body))
	}
	return body, nil
}

func (d *httpDriver) do(req *http.Request, out interface{}) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", d.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: unexpected status %d: %s", d.name, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", d.name, err)
	}
	return nil
}

// NewMeshy builds the meshy driver: cost 5, precision in {standard, high}.
// Meshy's poll response carries state/progress at the top level.
func NewMeshy(baseURL, apiKey string) Provider {
	schema := OptionSchema{Fields: []OptionField{
		{Name: "precision", Expression: `precision == "standard" || precision == "high"`},
	}}
	return newHTTPDriver("meshy", 5, schema, baseURL, apiKey, "$.state", "$.progress")
}

// NewTripo builds the tripo driver: cost 5, no extra options. Tripo's poll
// response shape matches meshy's.
func NewTripo(baseURL, apiKey string) Provider {
	return newHTTPDriver("tripo", 5, OptionSchema{}, baseURL, apiKey, "$.state", "$.progress")
}

// NewHunyuan builds the hunyuan driver: cost 6, faceCount in
// [40000, 1500000]. Hunyuan nests its job status under a "task" envelope.
func NewHunyuan(baseURL, apiKey string) Provider {
	schema := OptionSchema{Fields: []OptionField{
		{Name: "faceCount", Expression: `faceCount >= 40000 && faceCount <= 1500000`},
	}}
	return newHTTPDriver("hunyuan", 6, schema, baseURL, apiKey, "$.task.state", "$.task.progress")
}

// NewRodin builds the rodin driver: cost 8, no extra options. Rodin nests
// its job status under a "job" envelope with differently-named fields.
func NewRodin(baseURL, apiKey string) Provider {
	return newHTTPDriver("rodin", 8, OptionSchema{}, baseURL, apiKey, "$.job.status", "$.job.percent")
}

// MeshyRetexture is the single Retexture driver implementation (Meshy only).
type MeshyRetexture struct {
	*httpDriver
}

// NewMeshyRetexture builds the Retexture driver over the same Meshy API key.
func NewMeshyRetexture(baseURL, apiKey string) *MeshyRetexture {
	return &MeshyRetexture{httpDriver: newHTTPDriver("meshy-retexture", TextureCostPlaceholder, OptionSchema{}, baseURL, apiKey, "$.state", "$.progress")}
}

// TextureCostPlaceholder documents that the retexture driver itself does not
// own a cost — the fixed TEXTURE_COST=10 lives in the pipeline package,
// since it's charged regardless of which (single) retexture driver runs.
const TextureCostPlaceholder = 0

type retextureSubmitRequest struct {
	MeshTaskID string `json:"meshTaskId"`
	StyleURL   string `json:"styleUrl,omitempty"`
	TextPrompt string `json:"textPrompt,omitempty"`
	EnablePBR  bool   `json:"enablePbr"`
}

// SubmitFromMesh submits a retexture job anchored to an already-completed
// mesh task.
func (m *MeshyRetexture) SubmitFromMesh(ctx context.Context, meshTaskID string, opts RetextureOptions) (TaskHandle, error) {
	var out submitResponse
	body := retextureSubmitRequest{
		MeshTaskID: meshTaskID,
		StyleURL:   opts.StyleURL,
		TextPrompt: opts.TextPrompt,
		EnablePBR:  opts.EnablePBR,
	}
	if err := m.postJSON(ctx, "/retexture/submit", body, &out); err != nil {
		return TaskHandle{}, err
	}
	return TaskHandle{TaskID: out.TaskID, SubscriptionKey: out.SubscriptionKey}, nil
}

var (
	_ Provider          = (*httpDriver)(nil)
	_ RetextureProvider = (*MeshyRetexture)(nil)
)
