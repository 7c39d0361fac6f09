// Package models defines the shared domain types for the TableMind
// intent engine: typed intents, tool-execution plans, audit logs, and
// the contracts exchanged with LLM providers and tool backends.
package models

import (
	"encoding/json"
	"time"
)

// ── Intent ───────────────────────────────────────────────────

// IntentType is the closed set of interpretations an utterance can
// resolve to.
type IntentType string

const (
	IntentSchedule IntentType = "SCHEDULE"
	IntentSearch   IntentType = "SEARCH"
	IntentAction   IntentType = "ACTION"
	IntentQuery    IntentType = "QUERY"
	IntentPlanning IntentType = "PLANNING"
	IntentAnalysis IntentType = "ANALYSIS"
)

// Valid reports whether t is one of the six known intent types.
func (t IntentType) Valid() bool {
	switch t {
	case IntentSchedule, IntentSearch, IntentAction, IntentQuery, IntentPlanning, IntentAnalysis:
		return true
	}
	return false
}

// Intent is a typed, confidence-scored interpretation of free-text
// user input. Confidence after normalization is never higher than the
// model's self-reported value.
type Intent struct {
	Type        IntentType             `json:"type"`
	Confidence  float64                `json:"confidence"`
	Parameters  map[string]interface{} `json:"parameters"`
	Explanation string                 `json:"explanation,omitempty"`
	RawText     string                 `json:"raw_text"`
	ModelID     string                 `json:"model_id,omitempty"`
}

// IntentHypotheses is the resolved outcome of one inference call.
// Immutable once produced.
type IntentHypotheses struct {
	Primary     Intent   `json:"primary"`
	Alternates  []Intent `json:"alternates,omitempty"`
	IsAmbiguous bool     `json:"is_ambiguous"`
}

// ── Plan ─────────────────────────────────────────────────────

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepExecuted StepStatus = "executed"
	StepFailed   StepStatus = "failed"
)

// PlanStep is one tool invocation inside a plan. StepIndex is a stable
// identity within the plan and the join key against audit log entries,
// not a mutable array position.
type PlanStep struct {
	StepIndex            int                    `json:"step_index"`
	ToolName             string                 `json:"tool_name"`
	Description          string                 `json:"description"`
	Parameters           map[string]interface{} `json:"parameters"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Status               StepStatus             `json:"status"`
}

// Plan is an ordered sequence of tool invocations fulfilling an intent.
type Plan struct {
	Summary string     `json:"summary"`
	Steps   []PlanStep `json:"steps"`
}

// Step returns the step with the given index, or nil.
func (p *Plan) Step(index int) *PlanStep {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].StepIndex == index {
			return &p.Steps[i]
		}
	}
	return nil
}

// ── Audit Log ────────────────────────────────────────────────

// EfficiencyLow marks an execution whose cumulative tool latency
// exceeded the configured ceiling.
const EfficiencyLow = "LOW"

// StepRecord is the audit-log record of one step attempt.
type StepRecord struct {
	StepIndex int                    `json:"step_index"`
	ToolName  string                 `json:"tool_name"`
	Status    StepStatus             `json:"status"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	LatencyMs int64                  `json:"latency_ms"`
}

// LatencySeries tracks per-tool call durations plus a running total.
type LatencySeries struct {
	SamplesMs []int64 `json:"samples_ms"`
	TotalMs   int64   `json:"total_ms"`
}

// Escalation is recorded when the heartbeat watchdog hands an
// execution off to a human. Terminal for automatic recovery.
type Escalation struct {
	Reason         string    `json:"reason"`
	ExpectedStep   int       `json:"expected_step"`
	LastKnownState string    `json:"last_known_state"`
	At             time.Time `json:"at"`
}

// AuditLog is the durable, append/patch record of one execution:
// intent, plan, per-step outcomes, latencies, and replan history.
// Never deleted by the pipeline; callers may archive externally.
type AuditLog struct {
	ID             string                    `json:"id"`
	Intent         Intent                    `json:"intent"`
	Plan           *Plan                     `json:"plan,omitempty"`
	Steps          []StepRecord              `json:"steps"`
	History        []StepRecord              `json:"history,omitempty"`
	ToolLatencies  map[string]*LatencySeries `json:"tool_latencies,omitempty"`
	ReplannedCount int                       `json:"replanned_count"`
	FinalOutcome   string                    `json:"final_outcome,omitempty"`
	EfficiencyFlag string                    `json:"efficiency_flag,omitempty"`
	Escalation     *Escalation               `json:"escalation,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// StepRecordAt returns the current-state record for a step index, or nil.
func (l *AuditLog) StepRecordAt(index int) *StepRecord {
	for i := range l.Steps {
		if l.Steps[i].StepIndex == index {
			return &l.Steps[i]
		}
	}
	return nil
}

// MaxExecutedIndex returns the highest step index with status executed,
// or -1 when no step has completed.
func (l *AuditLog) MaxExecutedIndex() int {
	max := -1
	for _, s := range l.Steps {
		if s.Status == StepExecuted && s.StepIndex > max {
			max = s.StepIndex
		}
	}
	return max
}

// CumulativeLatencyMs sums the running totals across all tools.
func (l *AuditLog) CumulativeLatencyMs() int64 {
	var total int64
	for _, series := range l.ToolLatencies {
		total += series.TotalMs
	}
	return total
}

// LatencySample is one tool-call duration to fold into an audit log.
type LatencySample struct {
	Tool string `json:"tool"`
	Ms   int64  `json:"ms"`
}

// AuditPatch is a keyed, idempotent partial update to an audit log.
// Steps merge by step_index (a later patch for the same index
// supersedes the prior record, which moves to History). Heartbeat
// fields (Escalation) and step fields are disjoint key spaces so the
// executor and the watchdog never overwrite each other.
type AuditPatch struct {
	Plan           *Plan          `json:"plan,omitempty"`
	Steps          []StepRecord   `json:"steps,omitempty"`
	Latency        *LatencySample `json:"latency,omitempty"`
	ReplanDelta    int            `json:"replan_delta,omitempty"`
	FinalOutcome   *string        `json:"final_outcome,omitempty"`
	EfficiencyFlag *string        `json:"efficiency_flag,omitempty"`
	Escalation     *Escalation    `json:"escalation,omitempty"`
}

// ── Heartbeat ────────────────────────────────────────────────

// HeartbeatAction is the watchdog's verdict for one probe.
type HeartbeatAction string

const (
	HeartbeatNone     HeartbeatAction = "none"
	HeartbeatResume   HeartbeatAction = "resume"
	HeartbeatEscalate HeartbeatAction = "escalate"
)

// HeartbeatRecord tracks recovery state for one in-flight execution.
type HeartbeatRecord struct {
	ExecutionID       string    `json:"execution_id"`
	ExpectedStepIndex int       `json:"expected_step_index"`
	RecoveryAttempts  int       `json:"recovery_attempts"`
	LastKnownState    string    `json:"last_known_state"`
	Resolved          bool      `json:"resolved"`
	StartedAt         time.Time `json:"started_at"`
}

// HeartbeatResult is the outcome of one heartbeat probe.
type HeartbeatResult struct {
	Action           HeartbeatAction `json:"action"`
	Reason           string          `json:"reason"`
	CurrentStepIndex int             `json:"current_step_index"`
}

// ── Tool contracts ───────────────────────────────────────────

// ToolResponse is the uniform result shape every registered tool
// returns from Execute.
type ToolResponse struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ExecuteResult is what one executeStep call reports back to the
// driving caller.
type ExecuteResult struct {
	Success          bool        `json:"success"`
	Result           interface{} `json:"result,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorExplanation string      `json:"error_explanation,omitempty"`
	// Failure carries the classified error for unsuccessful steps so
	// callers can branch on the class instead of parsing Error.
	Failure   *ErrToolFailure `json:"failure,omitempty"`
	Attempts  int             `json:"attempts"`
	Replanned bool            `json:"replanned"`
	NewPlan   *Plan           `json:"new_plan,omitempty"`
}

// ── LLM provider boundary ────────────────────────────────────

// PromptSpec is the request handed to a language-model provider.
type PromptSpec struct {
	System    string `json:"system,omitempty"`
	User      string `json:"user"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	// JSONOnly asks the provider for a bare JSON document with no
	// surrounding prose. Parsing still defends against fenced output.
	JSONOnly bool `json:"json_only,omitempty"`
}

// TokenUsage tracks token consumption for one completion.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Completion is a provider's answer to a PromptSpec.
type Completion struct {
	ID        string     `json:"id,omitempty"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`
}

// ProviderConfig identifies one configured LLM provider slot.
type ProviderConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // openai, azure-openai, anthropic, ollama
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`
}

// RawParams decodes a raw JSON object into a parameter map, tolerating
// null as an empty map.
func RawParams(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}
