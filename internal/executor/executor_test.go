package executor_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/executor"
	"github.com/tablemind/tablemind/intent-engine/internal/llm"
	"github.com/tablemind/tablemind/intent-engine/internal/planner"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

type scriptedDriver struct {
	content string
	err     error
	calls   int
}

func (d *scriptedDriver) Kind() string { return "openai" }

func (d *scriptedDriver) Complete(ctx context.Context, provider models.ProviderConfig, spec models.PromptSpec) (*models.Completion, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &models.Completion{Model: "scripted-1", Content: d.content}, nil
}

// harness wires a memory store, a registry with one scriptable tool,
// and an executor with millisecond backoff and a recorded fake sleeper.
type harness struct {
	store    *audit.MemoryStore
	registry *registry.Registry
	exec     *executor.Executor
	driver   *scriptedDriver

	toolCalls int
	slept     []time.Duration
}

func newHarness(t *testing.T, tool registry.ExecuteFunc) *harness {
	t.Helper()

	h := &harness{
		store:  audit.NewMemoryStore(""),
		driver: &scriptedDriver{content: `{"summary":"corrected approach","steps":[{"tool_name":"kitchen_tool","parameters":{"item":"soup"}}]}`},
	}
	t.Cleanup(func() { h.store.Close() })

	h.registry = registry.New()
	err := h.registry.Register(&registry.Contract{
		Name:        "kitchen_tool",
		Description: "scriptable test tool",
		Parameters: &registry.Schema{
			Type:       "object",
			Properties: map[string]*registry.Schema{"item": {Type: "string"}},
			Required:   []string{"item"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
			h.toolCalls++
			return tool(ctx, params)
		},
	})
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}

	client := llm.NewClient(config.LLMConfig{Provider: "openai", Model: "scripted-1", MaxTokens: 512})
	client.RegisterDriver(h.driver)

	cfg := config.Pipeline{
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
		LatencyCeilingMs: 5000,
	}
	h.exec = executor.New(h.store, h.registry, planner.New(client, h.registry), cfg)
	h.exec.SetSleepForTest(func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	})
	return h
}

func (h *harness) createLog(t *testing.T, steps ...models.PlanStep) *models.AuditLog {
	t.Helper()
	if len(steps) == 0 {
		steps = []models.PlanStep{{
			StepIndex:  0,
			ToolName:   "kitchen_tool",
			Parameters: map[string]interface{}{"item": "soup"},
			Status:     models.StepPending,
		}}
	}
	entry, err := h.store.Create(context.Background(),
		models.Intent{Type: models.IntentAction, RawText: "get me the soup"},
		&models.Plan{Summary: "Get the soup", Steps: steps})
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}
	return entry
}

func TestExecuteStepSuccess(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: true, Result: map[string]interface{}{"status": "ready"}}, nil
	})
	entry := h.createLog(t)

	var startedID string
	var startedStep int
	h.exec.OnStepStart = func(id string, step int) { startedID, startedStep = id, step }

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if !result.Success || result.Attempts != 1 {
		t.Errorf("result = %+v, want success on first attempt", result)
	}
	if result.Failure != nil {
		t.Errorf("failure = %+v on a successful step", result.Failure)
	}
	if startedID != entry.ID || startedStep != 0 {
		t.Errorf("step-start hook got (%q, %d)", startedID, startedStep)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	rec := got.StepRecordAt(0)
	if rec == nil || rec.Status != models.StepExecuted {
		t.Fatalf("step record = %+v, want executed", rec)
	}
	// Single-step plan: executing it completes the execution.
	if !strings.HasPrefix(got.FinalOutcome, "completed:") {
		t.Errorf("final outcome = %q", got.FinalOutcome)
	}
	if got.ReplannedCount != 0 {
		t.Errorf("replanned count = %d, want 0", got.ReplannedCount)
	}
}

func TestExecuteStepRetriesTechnicalFailures(t *testing.T) {
	calls := 0
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return &models.ToolResponse{Success: true, Result: map[string]interface{}{"status": "ready"}}, nil
	})
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want eventual success", result)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if len(h.slept) != 2 {
		t.Fatalf("backoff sleeps = %d, want 2", len(h.slept))
	}
	// base * 2^attempt for attempts 1 and 2.
	if h.slept[0] != 2*time.Millisecond || h.slept[1] != 4*time.Millisecond {
		t.Errorf("backoff delays = %v, want [2ms 4ms]", h.slept)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	if len(got.Steps) != 1 {
		t.Errorf("step records = %d, want exactly one for the whole retry cycle", len(got.Steps))
	}
	if got.ReplannedCount != 0 {
		t.Error("technical retries must never replan")
	}
	if h.driver.calls != 0 {
		t.Error("technical retries must not touch the LLM")
	}
}

func TestExecuteStepTechnicalExhaustion(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("exhausted retries reported success")
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if result.Replanned {
		t.Error("technical exhaustion must not replan")
	}
	if !strings.Contains(result.ErrorExplanation, "after 3 attempts") {
		t.Errorf("explanation = %q", result.ErrorExplanation)
	}
	if h.toolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", h.toolCalls)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	rec := got.StepRecordAt(0)
	if rec == nil || rec.Status != models.StepFailed {
		t.Fatalf("step record = %+v, want failed", rec)
	}
	if got.ReplannedCount != 0 {
		t.Error("replanned count changed on technical failure")
	}
}

func TestExecuteStepValidationFailureReplansOnce(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: false, Error: "Invalid parameter: quantity"}, nil
	})
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("validation failure reported success")
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1: logical failures are never retried", result.Attempts)
	}
	if !result.Replanned || result.NewPlan == nil {
		t.Fatal("validation failure must produce a corrective plan")
	}
	if !strings.Contains(result.ErrorExplanation, "(validation)") {
		t.Errorf("explanation = %q, want validation error type", result.ErrorExplanation)
	}
	if h.driver.calls != 1 {
		t.Errorf("LLM calls = %d, want exactly one replan", h.driver.calls)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	if got.ReplannedCount != 1 {
		t.Errorf("replanned count = %d, want 1", got.ReplannedCount)
	}
	if got.Plan.Summary != "corrected approach" {
		t.Errorf("plan summary = %q, want the corrective plan", got.Plan.Summary)
	}
	rec := got.StepRecordAt(0)
	if rec == nil || rec.Status != models.StepFailed {
		t.Error("failed step record missing after replan")
	}
}

func TestExecuteStepLogicFailureReplansOnce(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: false, Error: "item is off the menu this season"}, nil
	})
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success || !result.Replanned {
		t.Fatalf("result = %+v, want replanned failure", result)
	}
	if !strings.Contains(result.ErrorExplanation, "(logic)") {
		t.Errorf("explanation = %q, want logic error type", result.ErrorExplanation)
	}
	if len(h.slept) != 0 {
		t.Error("logic failure must not back off and retry")
	}
}

func TestExecuteStepReplanFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: false, Error: "out of stock"}, nil
	})
	h.driver.err = errors.New("429 too many requests")
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Replanned || result.NewPlan != nil {
		t.Error("failed replan must not claim a new plan")
	}
	if !strings.Contains(result.ErrorExplanation, "replanning also failed") {
		t.Errorf("explanation = %q", result.ErrorExplanation)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	if got.ReplannedCount != 0 {
		t.Error("replanned count must only count successful replans")
	}
	if got.Plan.Summary != "Get the soup" {
		t.Error("original plan must survive a failed replan")
	}
}

func TestExecuteStepParameterValidationBeforeCall(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: true}, nil
	})
	entry := h.createLog(t, models.PlanStep{
		StepIndex:  0,
		ToolName:   "kitchen_tool",
		Parameters: map[string]interface{}{}, // required "item" missing
		Status:     models.StepPending,
	})

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("invalid parameters reported success")
	}
	if h.toolCalls != 0 {
		t.Errorf("tool calls = %d, want 0: invalid parameters never reach the tool", h.toolCalls)
	}
	if !result.Replanned {
		t.Error("parameter validation failure must trigger a replan")
	}
}

func TestExecuteStepResponseSchemaMismatch(t *testing.T) {
	store := audit.NewMemoryStore("")
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	err := reg.Register(&registry.Contract{
		Name:        "strict_tool",
		Description: "declares a response shape",
		Response: &registry.Schema{
			Type:       "object",
			Properties: map[string]*registry.Schema{"status": {Type: "string"}},
			Required:   []string{"status"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
			return &models.ToolResponse{Success: true, Result: "plain text instead"}, nil
		},
	})
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}

	driver := &scriptedDriver{content: `{"summary":"corrected approach","steps":[{"tool_name":"strict_tool"}]}`}
	client := llm.NewClient(config.LLMConfig{Provider: "openai", Model: "scripted-1"})
	client.RegisterDriver(driver)

	exec := executor.New(store, reg, planner.New(client, reg), config.Pipeline{MaxAttempts: 3, BackoffBase: time.Millisecond, LatencyCeilingMs: 5000})
	exec.SetSleepForTest(func(ctx context.Context, d time.Duration) error { return nil })

	entry, err := store.Create(context.Background(),
		models.Intent{Type: models.IntentQuery, RawText: "check it"},
		&models.Plan{Summary: "Check", Steps: []models.PlanStep{{StepIndex: 0, ToolName: "strict_tool", Parameters: map[string]interface{}{}}}})
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	result, err := exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("wrong-shaped response reported success")
	}
	if !strings.Contains(result.Error, "response schema mismatch") {
		t.Errorf("error = %q", result.Error)
	}
	if !strings.Contains(result.ErrorExplanation, "(validation)") {
		t.Errorf("explanation = %q, want validation error type", result.ErrorExplanation)
	}
}

func TestExecuteStepUnknownTool(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: true}, nil
	})
	entry := h.createLog(t, models.PlanStep{
		StepIndex:  0,
		ToolName:   "microwave_router",
		Parameters: map[string]interface{}{},
		Status:     models.StepPending,
	})

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("unknown tool reported success")
	}
	if !strings.Contains(result.Error, "unknown tool") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestExecuteStepUnknownExecution(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return &models.ToolResponse{Success: true}, nil
	})

	_, err := h.exec.ExecuteStep(context.Background(), "no-such-id", 0)
	var notFound *audit.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExecuteStepEfficiencyFlag(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		time.Sleep(3 * time.Millisecond)
		return &models.ToolResponse{Success: true, Result: map[string]interface{}{"status": "ready"}}, nil
	})
	// Any real tool call overshoots a 1ms cumulative ceiling.
	h.exec = executorWithCeiling(t, h, 1)
	entry := h.createLog(t)

	if _, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0); err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}

	got, _ := h.store.Get(context.Background(), entry.ID)
	if got.EfficiencyFlag != models.EfficiencyLow {
		t.Errorf("efficiency flag = %q, want LOW", got.EfficiencyFlag)
	}
}

func executorWithCeiling(t *testing.T, h *harness, ceilingMs int64) *executor.Executor {
	t.Helper()
	client := llm.NewClient(config.LLMConfig{Provider: "openai", Model: "scripted-1"})
	client.RegisterDriver(h.driver)
	exec := executor.New(h.store, h.registry, planner.New(client, h.registry), config.Pipeline{
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
		LatencyCeilingMs: ceilingMs,
	})
	exec.SetSleepForTest(func(ctx context.Context, d time.Duration) error { return nil })
	return exec
}

func TestExecuteStepFailureClassification(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	entry := h.createLog(t)

	result, err := h.exec.ExecuteStep(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if result.Success {
		t.Fatal("exhausted retries reported success")
	}
	if result.Failure == nil {
		t.Fatal("failed step carries no classified failure")
	}
	if result.Failure.Tool != "kitchen_tool" {
		t.Errorf("failure tool = %q, want kitchen_tool", result.Failure.Tool)
	}
	if result.Failure.Class != models.FailureTechnical {
		t.Errorf("failure class = %s, want technical", result.Failure.Class)
	}
	if result.Failure.Attempts != 3 {
		t.Errorf("failure attempts = %d, want 3", result.Failure.Attempts)
	}
	if !strings.Contains(result.Failure.Error(), "connection refused") {
		t.Errorf("failure error = %q", result.Failure.Error())
	}
}
