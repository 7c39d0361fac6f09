package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// ── Ollama (local models) ────────────────────────────────────

type ollamaDriver struct {
	client *http.Client
}

func (d *ollamaDriver) Kind() string { return "ollama" }

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

func (d *ollamaDriver) Complete(ctx context.Context, provider models.ProviderConfig, spec models.PromptSpec) (*models.Completion, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	req := ollamaRequest{
		Model:  provider.Model,
		Prompt: spec.User,
		System: spec.System,
		Stream: false,
	}
	if spec.JSONOnly {
		req.Format = "json"
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oResp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	return &models.Completion{
		Model:   provider.Model,
		Content: oResp.Response,
		Usage: models.TokenUsage{
			InputTokens:  oResp.PromptEvalCount,
			OutputTokens: oResp.EvalCount,
			TotalTokens:  oResp.PromptEvalCount + oResp.EvalCount,
		},
	}, nil
}
