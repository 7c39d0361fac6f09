// Package executor drives one plan step at a time against the tool
// registry: it classifies failures, retries transient ones with
// bounded exponential backoff, triggers a single replan on logical
// failures, and writes exactly one audit patch per invocation.
//
// Step lifecycle: pending → executing → executed | failed. A failed
// step is never resurrected; replanning produces a fresh plan whose
// steps the caller re-drives, while the failure stays in the audit
// history.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/planner"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tablemind-intent-engine")

// Executor runs plan steps against registered tools.
type Executor struct {
	store    audit.Store
	registry *registry.Registry
	planner  *planner.Planner
	cfg      config.Pipeline

	// OnStepStart fires when a step transitions to executing, so the
	// heartbeat monitor can register an expected-completion deadline.
	OnStepStart func(executionID string, stepIndex int)

	// sleep is context-aware and injected so retry tests don't wait
	// wall-clock seconds.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a step executor.
func New(store audit.Store, reg *registry.Registry, pl *planner.Planner, cfg config.Pipeline) *Executor {
	return &Executor{
		store:    store,
		registry: reg,
		planner:  pl,
		cfg:      cfg,
		sleep:    ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ExecuteStep runs the plan step with the given index for one
// execution. The caller drives steps in plan order and has already
// enforced any confirmation requirement.
func (e *Executor) ExecuteStep(ctx context.Context, auditLogID string, stepIndex int) (*models.ExecuteResult, error) {
	ctx, span := tracer.Start(ctx, "executor.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", auditLogID),
		attribute.Int("step.index", stepIndex),
	)

	auditLog, err := e.store.Get(ctx, auditLogID)
	if err != nil {
		return nil, err
	}
	if auditLog.Plan == nil {
		return nil, fmt.Errorf("execution %s has no plan", auditLogID)
	}
	step := auditLog.Plan.Step(stepIndex)
	if step == nil {
		return nil, fmt.Errorf("execution %s has no step %d", auditLogID, stepIndex)
	}

	contract, ok := e.registry.Get(step.ToolName)
	if !ok {
		return e.failStep(ctx, auditLog, step, models.FailureValidation, 1, 0,
			fmt.Sprintf("unknown tool %q", step.ToolName))
	}

	if e.OnStepStart != nil {
		e.OnStepStart(auditLogID, stepIndex)
	}

	// Request-side schema enforcement before anything hits the wire.
	if err := contract.ValidateParams(step.Parameters); err != nil {
		return e.failStep(ctx, auditLog, step, models.FailureValidation, 1, 0,
			fmt.Sprintf("invalid parameters: %v", err))
	}

	resp, attempts, latencyMs, class, errMsg := e.callWithRetry(ctx, contract, step)

	if errMsg == "" {
		// Response-side schema enforcement: a wrong-shaped success is a
		// validation failure, never passed through.
		if err := contract.ValidateResponse(resp.Result); err != nil {
			class, errMsg = models.FailureValidation, fmt.Sprintf("response schema mismatch: %v", err)
		}
	}

	if errMsg != "" {
		return e.failStep(ctx, auditLog, step, class, attempts, latencyMs, errMsg)
	}

	record := models.StepRecord{
		StepIndex: step.StepIndex,
		ToolName:  step.ToolName,
		Status:    models.StepExecuted,
		Input:     step.Parameters,
		Output:    resp.Result,
		Timestamp: time.Now().UTC(),
		LatencyMs: latencyMs,
	}

	patch := models.AuditPatch{
		Steps:   []models.StepRecord{record},
		Latency: &models.LatencySample{Tool: step.ToolName, Ms: latencyMs},
	}
	e.flagEfficiency(auditLog, latencyMs, &patch)
	if e.planCompleted(auditLog, stepIndex) {
		outcome := "completed: " + auditLog.Plan.Summary
		patch.FinalOutcome = &outcome
	}

	if err := e.store.Patch(ctx, auditLog.ID, patch); err != nil {
		return nil, fmt.Errorf("patch audit log: %w", err)
	}

	log.Info().
		Str("execution", auditLog.ID).
		Int("step", stepIndex).
		Str("tool", step.ToolName).
		Int("attempts", attempts).
		Int64("latency_ms", latencyMs).
		Msg("Step executed")

	return &models.ExecuteResult{
		Success:  true,
		Result:   resp.Result,
		Attempts: attempts,
	}, nil
}

// callWithRetry runs the tool, retrying technical failures up to the
// attempt cap with exponential backoff. Only the final attempt's
// duration is returned; intermediate attempts are not separately
// logged.
func (e *Executor) callWithRetry(ctx context.Context, contract *registry.Contract, step *models.PlanStep) (resp *models.ToolResponse, attempts int, latencyMs int64, class models.FailureClass, errMsg string) {
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		start := time.Now()
		result, err := contract.Execute(ctx, step.Parameters)
		latencyMs = time.Since(start).Milliseconds()

		if err == nil && result != nil && result.Success {
			return result, attempts, latencyMs, "", ""
		}

		class = classify(err, result)
		if err != nil {
			errMsg = err.Error()
		} else if result != nil {
			errMsg = result.Error
			if errMsg == "" {
				errMsg = "tool reported failure without an error message"
			}
		} else {
			errMsg = "tool returned no response"
		}

		if class != models.FailureTechnical {
			// Logical failures are never silently retried.
			return result, attempts, latencyMs, class, errMsg
		}
		if attempt == maxAttempts {
			return result, attempts, latencyMs, class, errMsg
		}

		delay := e.cfg.BackoffBase * time.Duration(1<<attempt)
		log.Info().
			Str("tool", contract.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("error", errMsg).
			Msg("Transient tool failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return result, attempts, latencyMs, class, errMsg
		}
	}
	return
}

// failStep records the failure and, for logical failures, attempts
// exactly one replan. Technical exhaustion is surfaced as-is: burning
// LLM calls on infrastructure flakiness helps nobody.
func (e *Executor) failStep(ctx context.Context, auditLog *models.AuditLog, step *models.PlanStep, class models.FailureClass, attempts int, latencyMs int64, errMsg string) (*models.ExecuteResult, error) {
	record := models.StepRecord{
		StepIndex: step.StepIndex,
		ToolName:  step.ToolName,
		Status:    models.StepFailed,
		Input:     step.Parameters,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
		LatencyMs: latencyMs,
	}
	patch := models.AuditPatch{Steps: []models.StepRecord{record}}
	if latencyMs > 0 {
		patch.Latency = &models.LatencySample{Tool: step.ToolName, Ms: latencyMs}
		e.flagEfficiency(auditLog, latencyMs, &patch)
	}

	result := &models.ExecuteResult{
		Success: false,
		Error:   errMsg,
		Failure: &models.ErrToolFailure{
			Tool:     step.ToolName,
			Class:    class,
			Message:  errMsg,
			Attempts: attempts,
		},
		Attempts: attempts,
	}

	if class != models.FailureTechnical {
		errorType := planner.ErrorTypeLogic
		if class == models.FailureValidation {
			errorType = planner.ErrorTypeValidation
		}

		newPlan, replanErr := e.planner.Replan(ctx, auditLog.Intent, auditLog, step.StepIndex, errMsg, step, errorType)
		if replanErr != nil {
			log.Warn().
				Str("execution", auditLog.ID).
				Int("step", step.StepIndex).
				Err(replanErr).
				Msg("Replan generation failed")
			result.ErrorExplanation = fmt.Sprintf(
				"step %d (%s) failed: %s; replanning also failed: %v",
				step.StepIndex, step.ToolName, errMsg, replanErr)
		} else {
			patch.Plan = newPlan
			patch.ReplanDelta = 1
			result.Replanned = true
			result.NewPlan = newPlan
			result.ErrorExplanation = fmt.Sprintf(
				"step %d (%s) failed (%s): %s; generated a new plan with %d steps",
				step.StepIndex, step.ToolName, errorType, errMsg, len(newPlan.Steps))
		}
	} else {
		result.ErrorExplanation = fmt.Sprintf(
			"step %d (%s) failed after %d attempts: %s",
			step.StepIndex, step.ToolName, attempts, errMsg)
	}

	if err := e.store.Patch(ctx, auditLog.ID, patch); err != nil {
		return nil, fmt.Errorf("patch audit log: %w", err)
	}

	log.Warn().
		Str("execution", auditLog.ID).
		Int("step", step.StepIndex).
		Str("tool", step.ToolName).
		Str("class", string(class)).
		Int("attempts", attempts).
		Bool("replanned", result.Replanned).
		Msg("Step failed")

	return result, nil
}

// flagEfficiency sets efficiency_flag LOW once cumulative tool latency
// crosses the ceiling, independent of step success.
func (e *Executor) flagEfficiency(auditLog *models.AuditLog, newSampleMs int64, patch *models.AuditPatch) {
	if auditLog.EfficiencyFlag == models.EfficiencyLow {
		return
	}
	if auditLog.CumulativeLatencyMs()+newSampleMs > e.cfg.LatencyCeilingMs {
		low := models.EfficiencyLow
		patch.EfficiencyFlag = &low
	}
}

// planCompleted reports whether executing stepIndex leaves every plan
// step executed.
func (e *Executor) planCompleted(auditLog *models.AuditLog, stepIndex int) bool {
	for _, s := range auditLog.Plan.Steps {
		if s.StepIndex == stepIndex {
			continue
		}
		rec := auditLog.StepRecordAt(s.StepIndex)
		if rec == nil || rec.Status != models.StepExecuted {
			return false
		}
	}
	return true
}

// SetSleepForTest overrides the backoff sleeper. Test hook.
func (e *Executor) SetSleepForTest(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}
