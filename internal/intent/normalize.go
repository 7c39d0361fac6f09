// Package intent turns free-text user input into typed, confidence-
// scored hypotheses: LLM candidate generation, deterministic
// confidence normalization, and ambiguity resolution.
package intent

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// canonicalKeys is the fixed vocabulary of parameter keys. Candidates
// using other keys are a normalization defect worth logging, not a
// schema violation.
var canonicalKeys = map[string]bool{
	"time":       true,
	"date":       true,
	"topic":      true,
	"target":     true,
	"query":      true,
	"quantity":   true,
	"party_size": true,
	"location":   true,
	"item":       true,
	"name":       true,
}

// requiredKeys maps each intent type to the canonical parameters it
// cannot act without.
var requiredKeys = map[models.IntentType][]string{
	models.IntentSchedule: {"time"},
	models.IntentSearch:   {"query"},
	models.IntentAction:   {"target"},
	models.IntentQuery:    {"query"},
	models.IntentAnalysis: {"topic"},
	// PLANNING carries no required parameter: the plan itself
	// supplies structure.
}

// dateLayouts are the formats a date/time parameter may arrive in.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"15:04",
}

// Normalizer applies deterministic post-processing rules to raw
// candidate intents. Rules only lower confidence, never raise it, and
// normalization never fails: unparseable candidates land in the lowest
// confidence bucket so ambiguity resolution still sees them.
type Normalizer struct {
	cfg config.Pipeline
}

// NewNormalizer creates a normalizer with the given thresholds.
func NewNormalizer(cfg config.Pipeline) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize adjusts one candidate against the raw input text.
func (n *Normalizer) Normalize(candidate models.Intent, rawText, modelID string) models.Intent {
	out := candidate
	out.RawText = rawText
	out.ModelID = modelID
	if out.Parameters == nil {
		out.Parameters = map[string]interface{}{}
	}

	// Self-reported confidence outside [0,1] is clamped before any
	// rule applies, so the monotonic-decrease invariant holds against
	// the clamped value.
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	baseline := out.Confidence

	if !out.Type.Valid() {
		// Unknown variant from the model: keep it visible to the
		// resolver, but at the floor.
		log.Debug().Str("type", string(out.Type)).Msg("Unparseable intent type, flooring confidence")
		out.Type = models.IntentQuery
		out.Confidence = n.cfg.ConfidenceFloor
		return out
	}

	out.Parameters = n.canonicalizeKeys(out.Parameters)

	// Rule (a): trivial or template-looking input caps confidence.
	if n.isTrivial(rawText) && out.Confidence > n.cfg.TrivialConfidenceCap {
		out.Confidence = n.cfg.TrivialConfidenceCap
	}

	// Rule (b): required canonical parameters missing or empty.
	if n.missingRequired(out) {
		out.Confidence -= n.cfg.MissingParamPenalty
	}

	// Rule (c): numeric/date parameters failing basic sanity.
	if n.inconsistent(out.Parameters) {
		out.Confidence -= n.cfg.InconsistencyPenalty
	}

	if out.Confidence < n.cfg.ConfidenceFloor {
		out.Confidence = n.cfg.ConfidenceFloor
	}
	// Penalties never inflate past the model's own (clamped) estimate.
	if out.Confidence > baseline {
		out.Confidence = baseline
	}
	return out
}

// canonicalizeKeys lowercases parameter keys and logs non-canonical
// ones. Values pass through untouched.
func (n *Normalizer) canonicalizeKeys(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for key, val := range params {
		k := strings.ToLower(strings.TrimSpace(key))
		if !canonicalKeys[k] {
			log.Debug().Str("key", key).Msg("Non-canonical intent parameter key")
		}
		out[k] = val
	}
	return out
}

func (n *Normalizer) isTrivial(rawText string) bool {
	trimmed := strings.TrimSpace(rawText)
	if utf8.RuneCountInString(trimmed) < n.cfg.MinMeaningfulRunes {
		return true
	}
	// Template placeholders pasted verbatim ("{{name}}", "[insert date]")
	return strings.Contains(trimmed, "{{") || strings.Contains(trimmed, "[insert")
}

func (n *Normalizer) missingRequired(in models.Intent) bool {
	for _, key := range requiredKeys[in.Type] {
		val, ok := in.Parameters[key]
		if !ok || val == nil {
			return true
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			return true
		}
	}
	return false
}

func (n *Normalizer) inconsistent(params map[string]interface{}) bool {
	for key, val := range params {
		switch key {
		case "quantity", "party_size":
			f, ok := asNumber(val)
			if !ok {
				s, isStr := val.(string)
				if !isStr {
					return true
				}
				// Dates and other non-numeric strings have no business
				// in a count slot.
				parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return true
				}
				f = parsed
			}
			if f < 0 {
				return true
			}
		case "time", "date":
			s, ok := val.(string)
			if !ok {
				return true
			}
			if _, err := parseAnyDate(s); err != nil {
				return true
			}
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseAnyDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
