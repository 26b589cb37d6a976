// Package docstore is the persistence layer: typed records mirroring the
// three DocStore collections (users, transactions, pipelines), a
// Postgres-backed implementation over sqlx/lib/pq, and an in-memory
// MockStore for unit tests that never touch a real database.
package docstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Angle is one of the four closed mesh-view angles.
type Angle string

const (
	AngleFront Angle = "front"
	AngleBack  Angle = "back"
	AngleLeft  Angle = "left"
	AngleRight Angle = "right"
)

// Angles is the canonical front→back→left→right order used for aggregation
// tie-breaking and for iterating meshImages deterministically.
var Angles = []Angle{AngleFront, AngleBack, AngleLeft, AngleRight}

// Status is one of the pipeline lifecycle states, including the
// generating-images sub-states used in batch mode.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusGeneratingImages  Status = "generating-images"
	StatusBatchQueued       Status = "batch-queued"
	StatusBatchProcessing   Status = "batch-processing"
	StatusImagesReady       Status = "images-ready"
	StatusGeneratingMesh    Status = "generating-mesh"
	StatusMeshReady         Status = "mesh-ready"
	StatusGeneratingTexture Status = "generating-texture"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// ProcessingMode selects synchronous vs. async-batch view generation.
type ProcessingMode string

const (
	ProcessingRealtime ProcessingMode = "realtime"
	ProcessingBatch    ProcessingMode = "batch"
)

// ImageSource records whether a mesh-view image came from the vision
// provider or a direct user upload.
type ImageSource string

const (
	SourceAI     ImageSource = "ai"
	SourceUpload ImageSource = "upload"
)

// ErrorStep names the generating-* stage a failure occurred in.
type ErrorStep string

const (
	ErrorStepImages  ErrorStep = "generating-images"
	ErrorStepMesh    ErrorStep = "generating-mesh"
	ErrorStepTexture ErrorStep = "generating-texture"
)

// TransactionType is the closed set of ledger row kinds.
type TransactionType string

const (
	TxConsume  TransactionType = "consume"
	TxBonus    TransactionType = "bonus"
	TxRefund   TransactionType = "refund"
	TxPurchase TransactionType = "purchase"
)

// MaxRegenerations bounds per-pipeline regenerateView calls.
const MaxRegenerations = 4

// TextureCost is the fixed credit cost of the optional retexture stage.
const TextureCost = 10

// PrintFriendliness is the printability assessment attached to an Analysis.
type PrintFriendliness struct {
	Score                  int      `json:"score"`
	ColorSuggestions       []string `json:"colorSuggestions"`
	StructuralConcerns     []string `json:"structuralConcerns"`
	MaterialRecommendations []string `json:"materialRecommendations"`
	OrientationTips        []string `json:"orientationTips"`
}

// Analysis is the imageAnalysis structure produced by analyzeImage.
type Analysis struct {
	Description        string            `json:"description"`
	ColorPalette        []string          `json:"colorPalette"`
	DominantColors      []string          `json:"dominantColors"`
	DetectedMaterials   []string          `json:"detectedMaterials"`
	ObjectType          string            `json:"objectType"`
	PrintFriendliness   PrintFriendliness `json:"printFriendliness"`
	RecommendedStyle    string            `json:"recommendedStyle"`
	StyleConfidence     float64           `json:"styleConfidence"`
	StyleReasoning      string            `json:"styleReasoning"`
	StyleSuitability    float64           `json:"styleSuitability"`
	AnalyzedWithStyle   string            `json:"analyzedWithStyle"`
}

// ProcessedImage is one stored mesh or texture view.
type ProcessedImage struct {
	URL          string      `json:"url"`
	StoragePath  string      `json:"storagePath"`
	Source       ImageSource `json:"source"`
	ColorPalette []string    `json:"colorPalette,omitempty"`
	GeneratedAt  time.Time   `json:"generatedAt"`
}

// AggregatedPalette is the frequency-sorted palette derived from all mesh
// views, per invariant 7.
type AggregatedPalette struct {
	Unified        []string `json:"unified"`
	DominantColors []string `json:"dominantColors"`
}

// Settings captures the user's generation configuration for a pipeline.
type Settings struct {
	Quality         string                 `json:"quality,omitempty"`
	PrinterType     string                 `json:"printerType,omitempty"`
	Format          string                 `json:"format,omitempty"`
	Provider        string                 `json:"provider,omitempty"`
	ProviderOptions map[string]interface{} `json:"providerOptions,omitempty"`
	GenerationMode  string                 `json:"generationMode,omitempty"`
	SelectedStyle   string                 `json:"selectedStyle,omitempty"`
	ColorCount      int                    `json:"colorCount,omitempty"`
	GeminiModel     string                 `json:"geminiModel,omitempty"`
}

// CreditsCharged tracks per-stage debits, monotonic until an explicit
// refund (reset to zero) per invariant 5.
type CreditsCharged struct {
	Views   int `json:"views"`
	Mesh    int `json:"mesh"`
	Texture int `json:"texture"`
}

// GenerationProgress projects in-flight fan-out progress to clients.
type GenerationProgress struct {
	Phase              string `json:"phase"` // "mesh-views" | "complete"
	MeshViewsCompleted int    `json:"meshViewsCompleted"`
}

// DownloadFile is one artifact returned by a provider's download call.
type DownloadFile struct {
	Format string `json:"format"`
	URL    string `json:"url"`
	Name   string `json:"name"`
}

// Pipeline is the primary entity: one per user-initiated generation job.
type Pipeline struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"userId" db:"user_id"`
	Status         Status         `json:"status" db:"status"`
	ProcessingMode ProcessingMode `json:"processingMode" db:"processing_mode"`
	GenerationMode string         `json:"generationMode" db:"generation_mode"`

	InputImages []string `json:"inputImages" db:"-"`

	ImageAnalysis   *Analysis `json:"imageAnalysis,omitempty" db:"-"`
	UserDescription string    `json:"userDescription,omitempty" db:"user_description"`

	MeshImages             map[Angle]ProcessedImage `json:"meshImages" db:"-"`
	AggregatedColorPalette *AggregatedPalette       `json:"aggregatedColorPalette,omitempty" db:"-"`

	Settings Settings `json:"settings" db:"-"`

	ProviderTaskID          string `json:"providerTaskId,omitempty" db:"provider_task_id"`
	ProviderSubscriptionKey string `json:"providerSubscriptionKey,omitempty" db:"provider_subscription_key"`

	MeshURL           string         `json:"meshUrl,omitempty" db:"mesh_url"`
	MeshStoragePath   string         `json:"meshStoragePath,omitempty" db:"mesh_storage_path"`
	MeshFormat        string         `json:"meshFormat,omitempty" db:"mesh_format"`
	MeshDownloadFiles []DownloadFile `json:"meshDownloadFiles,omitempty" db:"-"`

	TextureTaskID            string `json:"textureTaskId,omitempty" db:"texture_task_id"`
	TexturedModelURL         string `json:"texturedModelUrl,omitempty" db:"textured_model_url"`
	TexturedModelStoragePath string `json:"texturedModelStoragePath,omitempty" db:"textured_model_storage_path"`

	CreditsCharged    CreditsCharged      `json:"creditsCharged" db:"-"`
	RegenerationsUsed int                 `json:"regenerationsUsed" db:"regenerations_used"`
	GenerationProgress GenerationProgress `json:"generationProgress" db:"-"`

	DownloadRetryCount int `json:"downloadRetryCount" db:"download_retry_count"`

	Error     string    `json:"error,omitempty" db:"error"`
	ErrorStep ErrorStep `json:"errorStep,omitempty" db:"error_step"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Clone returns a deep-enough copy for optimistic in-memory mutation before
// persisting; map/slice fields are copied so callers can mutate freely.
func (p *Pipeline) Clone() *Pipeline {
	cp := *p
	cp.InputImages = append([]string(nil), p.InputImages...)
	if p.ImageAnalysis != nil {
		a := *p.ImageAnalysis
		cp.ImageAnalysis = &a
	}
	cp.MeshImages = make(map[Angle]ProcessedImage, len(p.MeshImages))
	for k, v := range p.MeshImages {
		cp.MeshImages[k] = v
	}
	if p.AggregatedColorPalette != nil {
		ap := *p.AggregatedColorPalette
		cp.AggregatedColorPalette = &ap
	}
	cp.MeshDownloadFiles = append([]DownloadFile(nil), p.MeshDownloadFiles...)
	return &cp
}

// User is the credit-holding account backing the users/{userId} layout.
type User struct {
	ID             string    `json:"id" db:"id"`
	Credits        int64     `json:"credits" db:"credits"`
	TotalGenerated int64     `json:"totalGenerated" db:"total_generated"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

// Transaction is one append-only ledger row.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Type      TransactionType `json:"type" db:"type"`
	Amount    int64           `json:"amount" db:"amount"`
	JobID     string          `json:"jobId" db:"job_id"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// jsonColumn marshals an arbitrary Go value to/from a jsonb column. Pipeline
// fields tagged db:"-" are instead (de)serialized explicitly by the
// Postgres store into a handful of jsonb columns — see postgres.go.
type jsonColumn struct {
	dest interface{}
}

func (j jsonColumn) Value() (driver.Value, error) {
	if j.dest == nil {
		return nil, nil
	}
	b, err := json.Marshal(j.dest)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return b, nil
}

func scanJSON(raw interface{}, dest interface{}) error {
	if raw == nil {
		return nil
	}
	var b []byte
	switch v := raw.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", raw)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dest)
}
