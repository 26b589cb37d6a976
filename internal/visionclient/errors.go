package visionclient

import "github.com/meshforge/orchestrator/internal/classify"

// ProviderError wraps an API-level failure from the vision provider.
func ProviderError(code string, cause error) *classify.ServiceError {
	return classify.Network("vision provider error: "+code, cause)
}

// ContentBlocked marks a blockReason response from the vision provider.
func ContentBlocked(reason string) *classify.ServiceError {
	return classify.Safety("content blocked: " + reason)
}

// NoImageReturned marks a response with no image and no block reason.
func NoImageReturned(text string) *classify.ServiceError {
	return classify.Safety("no image returned: " + text)
}

// SafetyBlocked marks a response with an above-LOW-probability safety
// rating and no image.
func SafetyBlocked(category string) *classify.ServiceError {
	return classify.Safety("safety threshold exceeded: " + category)
}
