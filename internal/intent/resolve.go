package intent

import (
	"sort"

	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// ResolveAmbiguity picks the primary hypothesis from 1–3 normalized
// candidates as one atomic batch. Pure function, no I/O.
//
// The execution is flagged ambiguous when the primary's confidence is
// below the confident threshold, or when the top two candidates sit
// within the narrow-gap threshold of each other: a confident-looking
// but genuinely contested utterance must not silently pick a winner.
//
// Exactly equal confidences tie-break away from PLANNING, the most
// consequential misclassification. This is a documented tie-break,
// not an accident of sort stability.
func ResolveAmbiguity(candidates []models.Intent, cfg config.Pipeline) models.IntentHypotheses {
	if len(candidates) == 0 {
		// Contract requires a non-empty input set; an empty one is a
		// caller bug, answered with an explicitly ambiguous zero value.
		return models.IntentHypotheses{IsAmbiguous: true}
	}

	sorted := make([]models.Intent, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Type != models.IntentPlanning && sorted[j].Type == models.IntentPlanning
	})

	hyp := models.IntentHypotheses{
		Primary:    sorted[0],
		Alternates: sorted[1:],
	}

	if hyp.Primary.Confidence < cfg.ConfidentThreshold {
		hyp.IsAmbiguous = true
	}
	if len(sorted) >= 2 && hyp.Primary.Confidence-sorted[1].Confidence < cfg.NarrowGapThreshold {
		hyp.IsAmbiguous = true
	}
	return hyp
}
