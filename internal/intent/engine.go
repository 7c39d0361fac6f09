package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/llm"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tablemind-intent-engine")

// InferenceResult carries the resolved hypotheses plus the provider's
// raw response for the audit trail.
type InferenceResult struct {
	Hypotheses  models.IntentHypotheses
	RawResponse string
	ModelID     string
}

// Engine infers typed intents from free text via the LLM provider,
// then normalizes and resolves every candidate as one batch.
type Engine struct {
	client     *llm.Client
	normalizer *Normalizer
	cfg        config.Pipeline
}

// NewEngine creates an inference engine.
func NewEngine(client *llm.Client, cfg config.Pipeline) *Engine {
	return &Engine{
		client:     client,
		normalizer: NewNormalizer(cfg),
		cfg:        cfg,
	}
}

const inferSystemPrompt = `You classify restaurant-assistant requests into typed intents.
Intent types: SCHEDULE, SEARCH, ACTION, QUERY, PLANNING, ANALYSIS.
Canonical parameter keys: time, date, topic, target, query, quantity, party_size, location, item, name.
Respond with ONLY a JSON object of the shape:
{"candidates":[{"type":"...","confidence":0.0,"parameters":{},"explanation":"..."}]}
Return between 1 and 3 candidates, most likely first.`

// candidatePayload is the trust-boundary shape of one model candidate.
type candidatePayload struct {
	Type        string                 `json:"type"`
	Confidence  float64                `json:"confidence"`
	Parameters  map[string]interface{} `json:"parameters"`
	Explanation string                 `json:"explanation"`
}

// InferIntent interprets text into 1–3 hypotheses. avoidTools names
// tools that failed recently for this user; history carries recent
// resolved intents for continuity ("actually, make it 2 people").
// Both are prompt context only and never reach the normalizer's
// deterministic rules.
func (e *Engine) InferIntent(ctx context.Context, text string, avoidTools []string, history []models.Intent) (*InferenceResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.ErrEmptyInput{}
	}

	ctx, span := tracer.Start(ctx, "intent.infer")
	defer span.End()

	completion, err := e.client.Complete(ctx, models.PromptSpec{
		System:   inferSystemPrompt,
		User:     e.buildUserPrompt(text, avoidTools, history),
		JSONOnly: true,
	})
	if err != nil {
		return nil, &models.ErrInference{Err: err}
	}
	span.SetAttributes(attribute.String("llm.model", completion.Model))

	candidates, err := parseCandidates(completion.Content)
	if err != nil {
		return nil, &models.ErrInference{Provider: completion.Provider, Err: err}
	}

	normalized := make([]models.Intent, 0, len(candidates))
	for _, c := range candidates {
		normalized = append(normalized, e.normalizer.Normalize(c, text, completion.Model))
	}

	// The whole candidate set resolves as one atomic batch; resolving
	// one at a time would hide the confidence gaps ambiguity depends on.
	hyp := ResolveAmbiguity(normalized, e.cfg)

	log.Info().
		Str("type", string(hyp.Primary.Type)).
		Float64("confidence", hyp.Primary.Confidence).
		Bool("ambiguous", hyp.IsAmbiguous).
		Int("candidates", len(normalized)).
		Msg("Intent inferred")

	return &InferenceResult{
		Hypotheses:  hyp,
		RawResponse: completion.Content,
		ModelID:     completion.Model,
	}, nil
}

func (e *Engine) buildUserPrompt(text string, avoidTools []string, history []models.Intent) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent resolved intents (oldest first):\n")
		for _, h := range history {
			params, _ := json.Marshal(h.Parameters)
			fmt.Fprintf(&sb, "- %s %s\n", h.Type, params)
		}
		sb.WriteString("\n")
	}
	if len(avoidTools) > 0 {
		fmt.Fprintf(&sb, "Tools that failed recently for this user (avoid relying on them): %s\n\n",
			strings.Join(avoidTools, ", "))
	}
	sb.WriteString("User request: ")
	sb.WriteString(text)
	return sb.String()
}

// parseCandidates decodes the provider's content into 1–3 candidates,
// tolerating fenced output.
func parseCandidates(content string) ([]models.Intent, error) {
	raw := stripFences(content)

	var payload struct {
		Candidates []candidatePayload `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("parse intent candidates: %w", err)
	}
	if len(payload.Candidates) == 0 {
		// Some models return a single candidate object directly.
		var single candidatePayload
		if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Type != "" {
			payload.Candidates = []candidatePayload{single}
		} else {
			return nil, fmt.Errorf("provider returned no intent candidates")
		}
	}
	if len(payload.Candidates) > 3 {
		payload.Candidates = payload.Candidates[:3]
	}

	out := make([]models.Intent, 0, len(payload.Candidates))
	for _, c := range payload.Candidates {
		out = append(out, models.Intent{
			Type:        models.IntentType(strings.ToUpper(strings.TrimSpace(c.Type))),
			Confidence:  c.Confidence,
			Parameters:  c.Parameters,
			Explanation: c.Explanation,
		})
	}
	return out, nil
}

func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}
