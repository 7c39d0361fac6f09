package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tablemind/tablemind/intent-engine/internal/api"
	"github.com/tablemind/tablemind/intent-engine/internal/api/handlers"
	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/executor"
	"github.com/tablemind/tablemind/intent-engine/internal/heartbeat"
	"github.com/tablemind/tablemind/intent-engine/internal/history"
	"github.com/tablemind/tablemind/intent-engine/internal/intent"
	"github.com/tablemind/tablemind/intent-engine/internal/llm"
	"github.com/tablemind/tablemind/intent-engine/internal/planner"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

type scriptedDriver struct {
	content string
}

func (d *scriptedDriver) Kind() string { return "openai" }

func (d *scriptedDriver) Complete(ctx context.Context, provider models.ProviderConfig, spec models.PromptSpec) (*models.Completion, error) {
	return &models.Completion{Model: "scripted-1", Content: d.content}, nil
}

type apiHarness struct {
	router http.Handler
	store  *audit.MemoryStore
	driver *scriptedDriver
}

func newAPI(t *testing.T, authKeys string) *apiHarness {
	t.Helper()

	h := &apiHarness{
		store:  audit.NewMemoryStore(""),
		driver: &scriptedDriver{},
	}
	t.Cleanup(func() { h.store.Close() })

	reg := registry.New()
	tools := []*registry.Contract{
		{
			Name:        "search_menu",
			Description: "Search the menu",
			Execute: func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
				return &models.ToolResponse{Success: true, Result: map[string]interface{}{"items": []interface{}{"soup"}}}, nil
			},
		},
		{
			Name:                 "place_order",
			Description:          "Place an order",
			RequiresConfirmation: true,
			Execute: func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
				return &models.ToolResponse{Success: true, Result: map[string]interface{}{"id": "order-1"}}, nil
			},
		},
	}
	for _, c := range tools {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}

	client := llm.NewClient(config.LLMConfig{Provider: "openai", Model: "scripted-1", MaxTokens: 512})
	client.RegisterDriver(h.driver)

	cfg := config.Pipeline{
		TrivialConfidenceCap: 0.5,
		MinMeaningfulRunes:   12,
		MissingParamPenalty:  0.2,
		InconsistencyPenalty: 0.2,
		ConfidenceFloor:      0.05,
		ConfidentThreshold:   0.85,
		NarrowGapThreshold:   0.1,
		ExecutionThreshold:   0.7,
		MaxAttempts:          3,
		BackoffBase:          time.Millisecond,
		LatencyCeilingMs:     5000,
		MaxRecoveryAttempts:  2,
	}

	engine := intent.NewEngine(client, cfg)
	pl := planner.New(client, reg)
	exec := executor.New(h.store, reg, pl, cfg)
	exec.SetSleepForTest(func(ctx context.Context, d time.Duration) error { return nil })
	hb := heartbeat.NewService(h.store, exec, cfg)

	hs := handlers.New(h.store, engine, pl, exec, hb, history.NewTracker(), reg, cfg, "test")
	h.router = api.NewRouter(hs, config.AuthConfig{APIKeys: authKeys})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := newAPI(t, "")

	rr := h.do(t, "GET", "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d", rr.Code)
	}
	rr = h.do(t, "GET", "/version", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("version status = %d", rr.Code)
	}
}

func TestPostIntentCreatesPlanAndAuditLog(t *testing.T) {
	h := newAPI(t, "")
	h.driver.content = `{"candidates":[{"type":"SEARCH","confidence":0.95,"parameters":{"query":"gluten free"}}]}`

	rr := h.do(t, "POST", "/api/v1/intent", map[string]string{"text": "what gluten free dishes are there"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}

	var resp struct {
		Intent      models.Intent `json:"intent"`
		IsAmbiguous bool          `json:"is_ambiguous"`
		Plan        *models.Plan  `json:"plan"`
		PlanError   string        `json:"plan_error"`
		AuditLogID  string        `json:"audit_log_id"`
	}
	decode(t, rr, &resp)

	if resp.Intent.Type != models.IntentSearch {
		t.Errorf("intent type = %s", resp.Intent.Type)
	}
	if resp.IsAmbiguous {
		t.Error("confident single candidate flagged ambiguous")
	}
	if resp.AuditLogID == "" {
		t.Fatal("no audit log id")
	}
	// The scripted completion is reused for the plan call; it is not a
	// valid plan, so planning degrades to a recorded plan_error while
	// the intent still lands.
	if resp.Plan != nil || resp.PlanError == "" {
		t.Errorf("plan = %+v, plan_error = %q", resp.Plan, resp.PlanError)
	}

	if _, err := h.store.Get(context.Background(), resp.AuditLogID); err != nil {
		t.Errorf("audit log not stored: %v", err)
	}
}

func TestPostIntentAmbiguousSkipsPlanning(t *testing.T) {
	h := newAPI(t, "")
	h.driver.content = `{"candidates":[
		{"type":"SCHEDULE","confidence":0.9,"parameters":{"time":"19:00"}},
		{"type":"ACTION","confidence":0.88,"parameters":{"target":"reservation"}}
	]}`

	rr := h.do(t, "POST", "/api/v1/intent", map[string]string{"text": "move my seven pm booking"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}

	var resp struct {
		IsAmbiguous bool         `json:"is_ambiguous"`
		Plan        *models.Plan `json:"plan"`
		PlanError   string       `json:"plan_error"`
		AuditLogID  string       `json:"audit_log_id"`
	}
	decode(t, rr, &resp)

	if !resp.IsAmbiguous {
		t.Error("narrow top-two gap not flagged ambiguous")
	}
	if resp.Plan != nil || resp.PlanError != "" {
		t.Error("ambiguous intent must not attempt planning")
	}
	if resp.AuditLogID == "" {
		t.Error("ambiguous intent still gets an audit log")
	}
}

func TestPostIntentEmptyText(t *testing.T) {
	h := newAPI(t, "")

	rr := h.do(t, "POST", "/api/v1/intent", map[string]string{"text": "   "}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestPostExecuteConfirmationGate(t *testing.T) {
	h := newAPI(t, "")
	ctx := context.Background()

	entry, err := h.store.Create(ctx,
		models.Intent{Type: models.IntentAction, RawText: "order a soup"},
		&models.Plan{Summary: "Order soup", Steps: []models.PlanStep{{
			StepIndex:            0,
			ToolName:             "place_order",
			Parameters:           map[string]interface{}{"item": "soup", "quantity": 1},
			RequiresConfirmation: true,
			Status:               models.StepPending,
		}}})
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	// Without confirmation the step is held, and nothing executes.
	rr := h.do(t, "POST", "/api/v1/execute", map[string]interface{}{
		"audit_log_id": entry.ID,
		"step_index":   0,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var held struct {
		Success              bool `json:"success"`
		RequiresConfirmation bool `json:"requires_confirmation"`
	}
	decode(t, rr, &held)
	if held.Success || !held.RequiresConfirmation {
		t.Fatalf("unconfirmed destructive step: %+v", held)
	}
	got, _ := h.store.Get(ctx, entry.ID)
	if len(got.Steps) != 0 {
		t.Fatal("held step must leave no execution record")
	}

	// Confirmed, it runs.
	rr = h.do(t, "POST", "/api/v1/execute", map[string]interface{}{
		"audit_log_id":   entry.ID,
		"step_index":     0,
		"user_confirmed": true,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var result models.ExecuteResult
	decode(t, rr, &result)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	got, _ = h.store.Get(ctx, entry.ID)
	if rec := got.StepRecordAt(0); rec == nil || rec.Status != models.StepExecuted {
		t.Errorf("step record = %+v", rec)
	}
}

func TestPostExecuteUnknownLog(t *testing.T) {
	h := newAPI(t, "")

	rr := h.do(t, "POST", "/api/v1/execute", map[string]interface{}{
		"audit_log_id": "ghost",
		"step_index":   0,
	}, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestPostExecuteStepOutOfRange(t *testing.T) {
	h := newAPI(t, "")

	entry, err := h.store.Create(context.Background(),
		models.Intent{Type: models.IntentQuery},
		&models.Plan{Summary: "s", Steps: []models.PlanStep{{StepIndex: 0, ToolName: "search_menu"}}})
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	rr := h.do(t, "POST", "/api/v1/execute", map[string]interface{}{
		"audit_log_id": entry.ID,
		"step_index":   5,
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestPostHeartbeatCheck(t *testing.T) {
	h := newAPI(t, "")

	rr := h.do(t, "POST", "/api/v1/heartbeat-check", map[string]interface{}{
		"execution_id":        "ghost",
		"expected_step_index": 0,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var result models.HeartbeatResult
	decode(t, rr, &result)
	if result.Action != models.HeartbeatNone {
		t.Errorf("action = %s, want none for unknown execution", result.Action)
	}
}

func TestGetExecution(t *testing.T) {
	h := newAPI(t, "")

	entry, err := h.store.Create(context.Background(), models.Intent{Type: models.IntentQuery, RawText: "where is my order"}, nil)
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	rr := h.do(t, "GET", "/api/v1/executions/"+entry.ID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got models.AuditLog
	decode(t, rr, &got)
	if got.ID != entry.ID {
		t.Errorf("id = %q", got.ID)
	}

	rr = h.do(t, "GET", "/api/v1/executions/ghost", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestListTools(t *testing.T) {
	h := newAPI(t, "")

	rr := h.do(t, "GET", "/api/v1/tools", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Count int `json:"count"`
		Tools []struct {
			Name                 string `json:"name"`
			RequiresConfirmation bool   `json:"requires_confirmation"`
		} `json:"tools"`
	}
	decode(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := newAPI(t, "secret-a, secret-b")

	// Health stays open.
	if rr := h.do(t, "GET", "/health", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("health status = %d", rr.Code)
	}

	if rr := h.do(t, "GET", "/api/v1/tools", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rr.Code)
	}
	if rr := h.do(t, "GET", "/api/v1/tools", nil, map[string]string{"X-API-Key": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rr.Code)
	}
	if rr := h.do(t, "GET", "/api/v1/tools", nil, map[string]string{"X-API-Key": "secret-b"}); rr.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rr.Code)
	}
	if rr := h.do(t, "GET", "/api/v1/tools", nil, map[string]string{"Authorization": "Bearer secret-a"}); rr.Code != http.StatusOK {
		t.Errorf("bearer key status = %d, want 200", rr.Code)
	}
}
