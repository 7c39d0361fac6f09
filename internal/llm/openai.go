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

// ── OpenAI / Azure OpenAI ────────────────────────────────────

type openAIDriver struct {
	client *http.Client
	azure  bool
}

func (d *openAIDriver) Kind() string {
	if d.azure {
		return "azure-openai"
	}
	return "openai"
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) Complete(ctx context.Context, provider models.ProviderConfig, spec models.PromptSpec) (*models.Completion, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key not configured for provider %s", provider.Name)
	}

	req := openAIRequest{
		Model:     provider.Model,
		MaxTokens: spec.MaxTokens,
	}
	if spec.System != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: spec.System})
	}
	req.Messages = append(req.Messages, openAIMessage{Role: "user", Content: spec.User})
	if spec.JSONOnly {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.azure {
		httpReq.Header.Set("api-key", provider.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.Completion{
		ID:      oaiResp.ID,
		Model:   provider.Model,
		Content: content,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
	}, nil
}
