// Package toolkit registers the built-in restaurant tools. Each tool
// is a thin bridge to the business backend (reservations, orders,
// stock live there); the pipeline only owns the contracts, schemas,
// and confirmation requirements.
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// Bridge forwards tool calls to the backend over HTTP.
type Bridge struct {
	baseURL string
	client  *http.Client
}

// NewBridge creates a backend bridge.
func NewBridge(cfg config.BackendConfig) *Bridge {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Bridge{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// call POSTs params to a backend route and decodes the uniform
// {success, result, error} envelope.
func (b *Bridge) call(ctx context.Context, path string, params map[string]interface{}) (*models.ToolResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, string(respBody))
	}

	var out models.ToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	return &out, nil
}

func (b *Bridge) executeFunc(path string) registry.ExecuteFunc {
	return func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error) {
		return b.call(ctx, path, params)
	}
}

// RegisterAll registers the restaurant tool set against the registry.
func RegisterAll(reg *registry.Registry, bridge *Bridge) error {
	str := func(desc string) *registry.Schema { return &registry.Schema{Type: "string", Description: desc} }
	num := func(desc string) *registry.Schema { return &registry.Schema{Type: "integer", Description: desc} }

	resultEnvelope := &registry.Schema{
		Type:     "object",
		Required: []string{"id"},
		Properties: map[string]*registry.Schema{
			"id":     str("backend entity id"),
			"status": str("entity status"),
		},
	}

	tools := []*registry.Contract{
		{
			Name:        "create_reservation",
			Description: "Book a table for a party at a given time",
			Parameters: &registry.Schema{
				Type:     "object",
				Required: []string{"time", "party_size"},
				Properties: map[string]*registry.Schema{
					"time":       str("reservation time, ISO 8601"),
					"party_size": num("number of guests"),
					"name":       str("guest name"),
				},
			},
			Response:             resultEnvelope,
			RequiresConfirmation: true,
			Execute:              bridge.executeFunc("/api/reservations"),
		},
		{
			Name:        "cancel_reservation",
			Description: "Cancel an existing reservation",
			Parameters: &registry.Schema{
				Type:     "object",
				Required: []string{"target"},
				Properties: map[string]*registry.Schema{
					"target": str("reservation id"),
				},
			},
			Response:             resultEnvelope,
			RequiresConfirmation: true,
			Execute:              bridge.executeFunc("/api/reservations/cancel"),
		},
		{
			Name:        "search_menu",
			Description: "Search menu items by text query",
			Parameters: &registry.Schema{
				Type:     "object",
				Required: []string{"query"},
				Properties: map[string]*registry.Schema{
					"query":    str("search text"),
					"location": str("restaurant location filter"),
				},
			},
			Response: &registry.Schema{
				Type:  "array",
				Items: &registry.Schema{Type: "object"},
			},
			Execute: bridge.executeFunc("/api/menu/search"),
		},
		{
			Name:        "place_order",
			Description: "Place an order for a menu item",
			Parameters: &registry.Schema{
				Type:     "object",
				Required: []string{"item", "quantity"},
				Properties: map[string]*registry.Schema{
					"item":     str("menu item name or id"),
					"quantity": num("units to order"),
				},
			},
			Response:             resultEnvelope,
			RequiresConfirmation: true,
			Execute:              bridge.executeFunc("/api/orders"),
		},
		{
			Name:        "check_stock",
			Description: "Check current stock level for an item",
			Parameters: &registry.Schema{
				Type:     "object",
				Required: []string{"item"},
				Properties: map[string]*registry.Schema{
					"item": str("stock item name or id"),
				},
			},
			Response: &registry.Schema{
				Type:     "object",
				Required: []string{"item"},
				Properties: map[string]*registry.Schema{
					"item":     str("stock item"),
					"quantity": num("units available"),
				},
			},
			Execute: bridge.executeFunc("/api/stock/check"),
		},
		{
			Name:        "query_orders",
			Description: "List recent orders, optionally filtered by status",
			Parameters: &registry.Schema{
				Type: "object",
				Properties: map[string]*registry.Schema{
					"query": str("status or free-text filter"),
				},
			},
			Response: &registry.Schema{
				Type:  "array",
				Items: &registry.Schema{Type: "object"},
			},
			Execute: bridge.executeFunc("/api/orders/query"),
		},
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
