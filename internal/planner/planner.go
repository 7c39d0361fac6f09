// Package planner expands an intent into an ordered tool-call plan
// via the LLM provider, and regenerates plans after logical step
// failures. Generated plans are schema-validated immediately: a
// malformed plan is a provider/prompt defect, not a transient fault,
// so it is never retried here.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/llm"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tablemind-intent-engine")

// ErrorType distinguishes the two replan triggers. A validation
// failure means the plan's own output shape was rejected; a logic
// failure means the world rejected a structurally valid request. They
// need different corrective prompts and must not be conflated.
const (
	ErrorTypeValidation = "validation"
	ErrorTypeLogic      = "logic"
)

// Planner generates and regenerates tool-call plans.
type Planner struct {
	client   *llm.Client
	registry *registry.Registry
}

// New creates a planner over the given tool registry.
func New(client *llm.Client, reg *registry.Registry) *Planner {
	return &Planner{client: client, registry: reg}
}

const planSystemPrompt = `You turn a restaurant-assistant request into an ordered tool-call plan.
Respond with ONLY a JSON object of the shape:
{"summary":"...","steps":[{"tool_name":"...","description":"...","parameters":{}}]}
Use only the listed tools. Steps execute strictly in order.`

// planPayload is the trust-boundary shape of a generated plan.
type planPayload struct {
	Summary string `json:"summary"`
	Steps   []struct {
		ToolName    string                 `json:"tool_name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"steps"`
}

// GeneratePlan expands free text into a validated plan.
func (p *Planner) GeneratePlan(ctx context.Context, text string) (*models.Plan, error) {
	ctx, span := tracer.Start(ctx, "planner.generate")
	defer span.End()

	user := fmt.Sprintf("Available tools:\n%s\nUser request: %s", p.registry.CatalogPrompt(nil), text)
	plan, err := p.complete(ctx, user)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))
	log.Info().Int("steps", len(plan.Steps)).Str("summary", plan.Summary).Msg("Plan generated")
	return plan, nil
}

// Replan regenerates a plan after a logical step failure. errorType is
// ErrorTypeValidation or ErrorTypeLogic; the prompt tells the model
// whether its own output was malformed or the request was rejected on
// substance.
func (p *Planner) Replan(ctx context.Context, intent models.Intent, auditLog *models.AuditLog, failedStepIndex int, errorMessage string, failedStep *models.PlanStep, errorType string) (*models.Plan, error) {
	ctx, span := tracer.Start(ctx, "planner.replan")
	defer span.End()
	span.SetAttributes(
		attribute.Int("step.failed_index", failedStepIndex),
		attribute.String("error.type", errorType),
	)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available tools:\n%s\n", p.registry.CatalogPrompt(nil))
	fmt.Fprintf(&sb, "Original request: %s\n", intent.RawText)
	intentParams, _ := json.Marshal(intent.Parameters)
	fmt.Fprintf(&sb, "Resolved intent: %s %s\n\n", intent.Type, intentParams)

	if auditLog != nil {
		sb.WriteString("Execution so far:\n")
		for _, rec := range auditLog.Steps {
			fmt.Fprintf(&sb, "- step %d %s: %s", rec.StepIndex, rec.ToolName, rec.Status)
			if rec.Error != "" {
				fmt.Fprintf(&sb, " (%s)", rec.Error)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if failedStep != nil {
		stepParams, _ := json.Marshal(failedStep.Parameters)
		fmt.Fprintf(&sb, "Failed step %d called %s with %s.\n", failedStepIndex, failedStep.ToolName, stepParams)
	} else {
		fmt.Fprintf(&sb, "Failed step index: %d.\n", failedStepIndex)
	}
	fmt.Fprintf(&sb, "Error: %s\n", errorMessage)

	switch errorType {
	case ErrorTypeValidation:
		sb.WriteString("The previous parameters or output failed schema validation. Produce a corrected plan with well-formed parameters for the remaining work.\n")
	default:
		sb.WriteString("The request was structurally valid but rejected on substance. Produce a different approach for the remaining work.\n")
	}

	plan, err := p.complete(ctx, sb.String())
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("failed_step", failedStepIndex).
		Str("error_type", errorType).
		Int("steps", len(plan.Steps)).
		Msg("Replan generated")
	return plan, nil
}

func (p *Planner) complete(ctx context.Context, user string) (*models.Plan, error) {
	completion, err := p.client.Complete(ctx, models.PromptSpec{
		System:   planSystemPrompt,
		User:     user,
		JSONOnly: true,
	})
	if err != nil {
		return nil, &models.ErrInference{Err: err}
	}
	return p.parseAndValidate(completion.Content)
}

// parseAndValidate enforces the plan schema at the trust boundary.
func (p *Planner) parseAndValidate(content string) (*models.Plan, error) {
	raw := strings.TrimSpace(content)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var payload planPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &models.ErrPlanSchema{Detail: fmt.Sprintf("not a JSON plan: %v", err)}
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return nil, &models.ErrPlanSchema{Detail: "missing summary"}
	}
	if len(payload.Steps) == 0 {
		return nil, &models.ErrPlanSchema{Detail: "plan has no steps"}
	}

	plan := &models.Plan{Summary: payload.Summary}
	for i, s := range payload.Steps {
		if strings.TrimSpace(s.ToolName) == "" {
			return nil, &models.ErrPlanSchema{Detail: fmt.Sprintf("step %d has no tool_name", i)}
		}
		contract, ok := p.registry.Get(s.ToolName)
		if !ok {
			return nil, &models.ErrPlanSchema{Detail: fmt.Sprintf("step %d names unknown tool %q", i, s.ToolName)}
		}
		params := s.Parameters
		if params == nil {
			params = map[string]interface{}{}
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			StepIndex:   i,
			ToolName:    s.ToolName,
			Description: s.Description,
			Parameters:  params,
			// Confirmation requirement comes from the registry's
			// metadata, never from the model.
			RequiresConfirmation: contract.RequiresConfirmation,
			Status:               models.StepPending,
		})
	}
	return plan, nil
}
