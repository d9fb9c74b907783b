package resilience

import (
	"time"
)

// FallbackKind selects the canned content served when a live call cannot
// be made. The content is operation-type-specific, not a generic error.
type FallbackKind string

const (
	FallbackAnalysis       FallbackKind = "analysis"
	FallbackRecommendation FallbackKind = "recommendation"
	FallbackTranslation    FallbackKind = "translation"
	FallbackGeneric        FallbackKind = "generic"
)

// FallbackResponse is the canned response returned in place of a live
// result. Reason carries a human-readable explanation for the caller.
type FallbackResponse struct {
	Operation   string                 `json:"operation"`
	Kind        FallbackKind           `json:"kind"`
	Reason      string                 `json:"reason"`
	Content     map[string]interface{} `json:"content"`
	Degraded    bool                   `json:"degraded"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// CannedFallback builds the canned response for a request kind
func CannedFallback(kind FallbackKind, operation, reason string) *FallbackResponse {
	return &FallbackResponse{
		Operation:   operation,
		Kind:        kind,
		Reason:      reason,
		Content:     cannedContent(kind),
		Degraded:    true,
		GeneratedAt: time.Now(),
	}
}

func cannedContent(kind FallbackKind) map[string]interface{} {
	switch kind {
	case FallbackAnalysis:
		return map[string]interface{}{
			"summary": "Visibility analysis is temporarily unavailable. Your last completed analysis remains valid.",
			"status":  "deferred",
			"advice":  "Please retry in a few minutes; no action is required on your side.",
		}
	case FallbackRecommendation:
		return map[string]interface{}{
			"recommendations": []string{
				"Keep your business profile information complete and current.",
				"Respond to recent customer reviews.",
				"Verify your opening hours are accurate.",
			},
			"status": "generic",
		}
	case FallbackTranslation:
		return map[string]interface{}{
			"translated": false,
			"status":     "original_retained",
			"note":       "Translation is temporarily unavailable; the original text is returned unchanged.",
		}
	default:
		return map[string]interface{}{
			"status": "unavailable",
			"note":   "The service is temporarily unavailable. Please try again shortly.",
		}
	}
}

// KindForOperation maps an operation name to its fallback kind. Unknown
// operations get the generic canned content.
func KindForOperation(operation string) FallbackKind {
	switch operation {
	case "visibility-analysis", "persona-detect":
		return FallbackAnalysis
	case "recommendation":
		return FallbackRecommendation
	case "translation":
		return FallbackTranslation
	default:
		return FallbackGeneric
	}
}
