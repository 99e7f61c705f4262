package extract

import "strings"

// ReliableThreshold gates the automatic live-mode fallback: static
// extractions scoring below it are discarded and redone against the
// rendered page.
const ReliableThreshold = 0.7

// Penalty weights for the static-snapshot completeness assessment.
// Penalties are independent and additive; overlapping conditions stack
// and the result is clamped into [0, 1].
const (
	penaltyLazyPlaceholders  = 0.3
	penaltyMissingTimestamps = 0.2
	penaltyTruncatedListing  = 0.4
	penaltySkeletonMarkers   = 0.5
	penaltyNoMessages        = 0.6
)

// Marker selectors for content that was not fully rendered when the
// snapshot was taken.
const (
	lazyMarkerSelector     = `[data-lazy], [data-lazy-load], .lazy-load-placeholder, img[loading="lazy"][src=""]`
	skeletonMarkerSelector = `.skeleton, .animate-pulse, .shimmer, [aria-busy="true"]`
)

// assessCompleteness scores how complete a static snapshot looks. This
// is heuristic triage, not a proof of completeness: its only job is to
// decide whether the more expensive live-mode fallback is worth running.
func (e *Engine) assessCompleteness(msgs []MessageRecord) (float64, []string) {
	score := 1.0
	warnings := []string{}

	if e.doc.Find(lazyMarkerSelector).Length() > 0 {
		score -= penaltyLazyPlaceholders
		warnings = append(warnings, "lazy-load placeholders present; some content may not have rendered")
	}

	if len(msgs) > 0 {
		withTimestamp := 0
		for _, m := range msgs {
			if m.Timestamp != nil {
				withTimestamp++
			}
		}
		if float64(withTimestamp)/float64(len(msgs)) < 0.5 {
			score -= penaltyMissingTimestamps
			warnings = append(warnings, "most messages lack timestamps; markup may be incomplete")
		}
	}

	bodyText := e.doc.Find("body").Text()
	lowerBody := strings.ToLower(bodyText)

	if len(msgs) < 5 && strings.Contains(lowerBody, "load more") {
		score -= penaltyTruncatedListing
		warnings = append(warnings, `"load more" marker present with few messages; conversation likely truncated`)
	}

	if e.doc.Find(skeletonMarkerSelector).Length() > 0 {
		score -= penaltySkeletonMarkers
		warnings = append(warnings, "loading-skeleton markers present; page captured mid-render")
	}

	if len(msgs) == 0 && len(strings.TrimSpace(bodyText)) > 100 {
		score -= penaltyNoMessages
		warnings = append(warnings, "non-trivial page yielded zero messages; selectors may not match this markup")
	}

	return clamp(score), warnings
}

func clamp(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
