// Package llm is the language-model provider boundary.
//
// The pipeline treats providers as a black-box function: prompt in,
// structured candidates or free text out, fallible and sometimes slow.
// The Client tries its configured provider slots in order (primary,
// then backup) and hands back the first successful completion; retry
// policy beyond that ordering belongs to the caller.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// Driver sends a PromptSpec to one kind of provider.
type Driver interface {
	Kind() string
	Complete(ctx context.Context, provider models.ProviderConfig, spec models.PromptSpec) (*models.Completion, error)
}

// Client routes completions across configured provider slots with
// fallback, tracking a rolling latency average per provider.
type Client struct {
	providers []models.ProviderConfig
	maxTokens int

	driversMu sync.RWMutex
	drivers   map[string]Driver

	latencyMu sync.Mutex
	latencies map[string]int64 // provider name → rolling avg ms

	httpClient *http.Client
}

// NewClient builds a client from the LLM configuration. The built-in
// drivers (openai, azure-openai, anthropic, ollama) are registered
// automatically.
func NewClient(cfg config.LLMConfig) *Client {
	c := &Client{
		maxTokens: cfg.MaxTokens,
		drivers:   make(map[string]Driver),
		latencies: make(map[string]int64),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}

	c.providers = append(c.providers, models.ProviderConfig{
		Name:     "primary",
		Kind:     strings.ToLower(cfg.Provider),
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
	})
	if cfg.BackupProvider != "" {
		c.providers = append(c.providers, models.ProviderConfig{
			Name:     "backup",
			Kind:     strings.ToLower(cfg.BackupProvider),
			Endpoint: cfg.BackupEndpoint,
			APIKey:   cfg.BackupAPIKey,
			Model:    cfg.BackupModel,
		})
	}

	c.RegisterDriver(&openAIDriver{client: c.httpClient})
	c.RegisterDriver(&openAIDriver{client: c.httpClient, azure: true})
	c.RegisterDriver(&anthropicDriver{client: c.httpClient})
	c.RegisterDriver(&ollamaDriver{client: c.httpClient})

	return c
}

// RegisterDriver adds or replaces a provider driver.
func (c *Client) RegisterDriver(d Driver) {
	c.driversMu.Lock()
	c.drivers[d.Kind()] = d
	c.driversMu.Unlock()
}

// Driver returns the registered driver for a kind, or nil.
func (c *Client) Driver(kind string) Driver {
	c.driversMu.RLock()
	defer c.driversMu.RUnlock()
	return c.drivers[kind]
}

// Providers returns the configured provider slots in fallback order.
func (c *Client) Providers() []models.ProviderConfig {
	out := make([]models.ProviderConfig, len(c.providers))
	copy(out, c.providers)
	return out
}

// Complete tries each configured provider in order and returns the
// first successful completion.
func (c *Client) Complete(ctx context.Context, spec models.PromptSpec) (*models.Completion, error) {
	if len(c.providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	if spec.MaxTokens <= 0 {
		spec.MaxTokens = c.maxTokens
	}

	var lastErr error
	for _, provider := range c.providers {
		driver := c.Driver(provider.Kind)
		if driver == nil {
			lastErr = fmt.Errorf("no driver for provider kind %q", provider.Kind)
			continue
		}

		start := time.Now()
		completion, err := driver.Complete(ctx, provider, spec)
		if err != nil {
			log.Warn().
				Str("provider", provider.Name).
				Str("kind", provider.Kind).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}

		completion.Provider = provider.Name
		completion.LatencyMs = time.Since(start).Milliseconds()
		c.trackLatency(provider.Name, completion.LatencyMs)
		return completion, nil
	}

	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// AverageLatencyMs returns the rolling average latency for a provider
// slot, or 0 when unknown.
func (c *Client) AverageLatencyMs(provider string) int64 {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return c.latencies[provider]
}

func (c *Client) trackLatency(provider string, ms int64) {
	c.latencyMu.Lock()
	prev := c.latencies[provider]
	if prev == 0 {
		c.latencies[provider] = ms
	} else {
		// Exponential moving average
		c.latencies[provider] = (prev*7 + ms*3) / 10
	}
	c.latencyMu.Unlock()
}
