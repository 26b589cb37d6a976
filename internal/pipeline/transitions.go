// Package pipeline implements the pipeline state machine (C5): persistent
// per-job state, transitions, credit coupling, retry/reset, and progress
// projection. Status transitions follow the teacher's lifecycle-status
// pattern — a closed Status enum plus a ValidTransitions table and a
// CanTransition helper — generalized from service boot states to the
// Pipeline's states. Transitions made through Engine.move consult this
// table; ResetStep and the failure path (failStage) set the status directly
// and do not.
package pipeline

import "github.com/meshforge/orchestrator/internal/docstore"

// ValidTransitions enumerates every status this state machine may move a
// Pipeline to, from each given status. It mirrors §4.5's transition table:
// forward progress, provider-reported failure, and resetStep's reach back
// to an earlier status.
var ValidTransitions = map[docstore.Status][]docstore.Status{
	docstore.StatusDraft: {
		docstore.StatusGeneratingImages,
	},
	docstore.StatusGeneratingImages: {
		docstore.StatusImagesReady,
		docstore.StatusFailed,
		docstore.StatusBatchQueued,
		docstore.StatusBatchProcessing,
	},
	docstore.StatusBatchQueued: {
		docstore.StatusBatchProcessing,
		docstore.StatusFailed,
	},
	docstore.StatusBatchProcessing: {
		docstore.StatusImagesReady,
		docstore.StatusFailed,
	},
	docstore.StatusImagesReady: {
		docstore.StatusGeneratingMesh,
		docstore.StatusGeneratingImages,
		docstore.StatusDraft,
		docstore.StatusImagesReady,
	},
	docstore.StatusGeneratingMesh: {
		docstore.StatusMeshReady,
		docstore.StatusFailed,
	},
	docstore.StatusMeshReady: {
		docstore.StatusGeneratingTexture,
		docstore.StatusDraft,
		docstore.StatusImagesReady,
		docstore.StatusMeshReady,
	},
	docstore.StatusGeneratingTexture: {
		docstore.StatusCompleted,
		docstore.StatusFailed,
	},
	docstore.StatusCompleted: {
		docstore.StatusDraft,
		docstore.StatusImagesReady,
		docstore.StatusMeshReady,
	},
	docstore.StatusFailed: {
		docstore.StatusGeneratingImages,
		docstore.StatusGeneratingMesh,
		docstore.StatusGeneratingTexture,
		docstore.StatusDraft,
		docstore.StatusImagesReady,
		docstore.StatusMeshReady,
	},
}

// CanTransition reports whether moving a Pipeline from `from` to `to` is
// ever permitted, independent of the finer-grained preconditions (analysis
// present, regeneration budget, etc.) each operation additionally checks.
func CanTransition(from, to docstore.Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsGenerating reports whether status is one of the generating-* busy
// states in which resetStep and concurrent provider submissions are
// disallowed.
func IsGenerating(status docstore.Status) bool {
	switch status {
	case docstore.StatusGeneratingImages, docstore.StatusBatchQueued, docstore.StatusBatchProcessing,
		docstore.StatusGeneratingMesh, docstore.StatusGeneratingTexture:
		return true
	default:
		return false
	}
}

// ResetTargets is the closed set of valid resetStep destinations.
var ResetTargets = map[docstore.Status]bool{
	docstore.StatusDraft:       true,
	docstore.StatusImagesReady: true,
	docstore.StatusMeshReady:   true,
}
