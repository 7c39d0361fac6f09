// Package registry holds the tool contracts the step executor runs
// plan steps against: parameter schema, response schema, confirmation
// requirement, and the execute function itself.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// ExecuteFunc runs one tool invocation against its backend.
type ExecuteFunc func(ctx context.Context, params map[string]interface{}) (*models.ToolResponse, error)

// Contract is one registered tool's callable contract.
type Contract struct {
	Name                 string      `json:"name"`
	Description          string      `json:"description"`
	Parameters           *Schema     `json:"parameters,omitempty"`
	Response             *Schema     `json:"response,omitempty"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	Execute              ExecuteFunc `json:"-"`
}

// Registry is a thread-safe name → contract mapping.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Contract
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Contract)}
}

// Register adds a tool contract. Duplicate names are rejected; a
// collision means two components claim the same tool.
func (r *Registry) Register(c *Contract) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("tool contract requires a name")
	}
	if c.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[c.Name]; exists {
		return fmt.Errorf("tool %s already registered", c.Name)
	}
	r.tools[c.Name] = c
	log.Debug().Str("tool", c.Name).Bool("requires_confirmation", c.RequiresConfirmation).Msg("Tool registered")
	return nil
}

// Get returns the contract for a tool name.
func (r *Registry) Get(name string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// List returns all contracts sorted by name.
func (r *Registry) List() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contract, 0, len(r.tools))
	for _, c := range r.tools {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.Name
	}
	return names
}

// CatalogPrompt renders the registered tools as lines for an LLM
// prompt, excluding any names in avoid.
func (r *Registry) CatalogPrompt(avoid []string) string {
	avoided := make(map[string]bool, len(avoid))
	for _, name := range avoid {
		avoided[name] = true
	}

	var sb strings.Builder
	for _, c := range r.List() {
		if avoided[c.Name] {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(c.Name)
		sb.WriteString(": ")
		sb.WriteString(c.Description)
		if c.Parameters != nil && len(c.Parameters.Properties) > 0 {
			params := make([]string, 0, len(c.Parameters.Properties))
			for name := range c.Parameters.Properties {
				params = append(params, name)
			}
			sort.Strings(params)
			sb.WriteString(" (params: ")
			sb.WriteString(strings.Join(params, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ValidateParams checks call parameters against the tool's declared
// parameter schema.
func (c *Contract) ValidateParams(params map[string]interface{}) error {
	if c.Parameters == nil {
		return nil
	}
	var v interface{} = params
	if params == nil {
		v = map[string]interface{}{}
	}
	return c.Parameters.Validate(v)
}

// ValidateResponse checks a successful tool result against the tool's
// declared response schema. A mismatch is a validation-class failure,
// never silently passed through with a wrong shape.
func (c *Contract) ValidateResponse(result interface{}) error {
	if c.Response == nil {
		return nil
	}
	return c.Response.Validate(result)
}
