// Package provider implements the mesh-provider interface & registry (C3):
// a uniform capability contract for 3D mesh providers (submit, poll,
// download, fetchBytes) plus the four concrete drivers (meshy, tripo,
// hunyuan, rodin) and the single Retexture driver. Per-provider credit cost
// and option schema live in the registry, not hardcoded in the state
// machine, matching §4.4.
package provider

import (
	"context"
	"fmt"
)

// State is one of the provider-reported job states.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// TaskHandle identifies an in-flight provider job.
type TaskHandle struct {
	TaskID          string
	SubscriptionKey string
}

// PollResult is the outcome of one poll call. Progress is nil when the
// provider gives no usable progress signal, which the state machine treats
// as indeterminate.
type PollResult struct {
	State    State
	Progress *int
}

// DownloadFile is one artifact a provider's download call can return.
type DownloadFile struct {
	Format string
	URL    string
	Name   string
}

// RetextureOptions configures the single Retexture driver call.
type RetextureOptions struct {
	StyleURL    string
	TextPrompt  string
	EnablePBR   bool
}

// Provider is the capability interface every mesh-generation backend
// implements.
type Provider interface {
	Name() string
	Cost() int
	OptionSchema() OptionSchema
	Submit(ctx context.Context, imageURLs []string, options map[string]interface{}) (TaskHandle, error)
	Poll(ctx context.Context, handle TaskHandle) (PollResult, error)
	Download(ctx context.Context, handle TaskHandle, preferredFormat string) ([]DownloadFile, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// RetextureProvider is the single-implementation capability used by
// startTexture.
type RetextureProvider interface {
	SubmitFromMesh(ctx context.Context, meshTaskID string, opts RetextureOptions) (TaskHandle, error)
	Poll(ctx context.Context, handle TaskHandle) (PollResult, error)
	Download(ctx context.Context, handle TaskHandle, preferredFormat string) ([]DownloadFile, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// FormatPreference is the fallback order used when a pipeline's configured
// format has no matching download artifact.
var FormatPreference = []string{"glb", "fbx", "obj", "stl"}

// SelectDownload picks the file matching the pipeline's configured format,
// falling back through FormatPreference, first match.
func SelectDownload(files []DownloadFile, preferred string) (DownloadFile, bool) {
	order := append([]string{}, preferred)
	for _, f := range FormatPreference {
		if f != preferred {
			order = append(order, f)
		}
	}
	for _, format := range order {
		if format == "" {
			continue
		}
		for _, f := range files {
			if f.Format == format {
				return f, true
			}
		}
	}
	return DownloadFile{}, false
}

// Registry maps a provider id to its driver, exposing the cost/option table
// from §4.4 without hardcoding it in the pipeline state machine.
type Registry struct {
	providers map[string]Provider
	retexture RetextureProvider
}

// NewRegistry builds an empty registry; Register each driver before use.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a driver under its own Name().
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// SetRetexture installs the single Retexture driver.
func (r *Registry) SetRetexture(p RetextureProvider) {
	r.retexture = p
}

// Get returns the driver for name, or an error if unknown.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Retexture returns the configured Retexture driver, or an error if none
// was registered.
func (r *Registry) Retexture() (RetextureProvider, error) {
	if r.retexture == nil {
		return nil, fmt.Errorf("no retexture provider configured")
	}
	return r.retexture, nil
}

// Names lists every registered provider id, for listPipelines-adjacent
// introspection and for validation error messages.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
