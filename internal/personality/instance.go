package personality

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Instance is an immutable snapshot of one loaded personality. Turns capture
// the instance at start and keep it across reloads.
type Instance struct {
	ID          string
	Name        string
	Version     string
	Description string

	SystemPrompt string
	Traits       map[string]any

	DefaultProvider string
	DefaultModel    string

	tools map[string]boundTool
}

type boundTool struct {
	binding ToolBinding
	fn      ToolFunc
}

// ToolNames returns the bound tool names, sorted.
func (p *Instance) ToolNames() []string {
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTool reports whether the personality binds the named tool.
func (p *Instance) HasTool(name string) bool {
	_, ok := p.tools[name]
	return ok
}

// ToolDescriptions renders "name: description" lines for the planning
// prompt, sorted by name.
func (p *Instance) ToolDescriptions() []string {
	out := make([]string, 0, len(p.tools))
	for _, name := range p.ToolNames() {
		b := p.tools[name].binding
		desc := b.Description
		if desc == "" {
			desc = "(no description)"
		}
		out = append(out, fmt.Sprintf("%s: %s", name, desc))
	}
	return out
}

// ToolMetrics describes one tool invocation.
type ToolMetrics struct {
	Tool      string
	LatencyMs int64
}

// ExecuteTool runs a bound tool with the given arguments. Declared required
// parameters are checked before invocation.
func (p *Instance) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, ToolMetrics, error) {
	bt, ok := p.tools[name]
	if !ok {
		return nil, ToolMetrics{Tool: name}, fmt.Errorf("personality %s has no tool %q", p.ID, name)
	}
	for _, param := range bt.binding.Params {
		if !param.Required {
			continue
		}
		if _, present := args[param.Name]; !present {
			return nil, ToolMetrics{Tool: name}, fmt.Errorf("tool %q missing required argument %q", name, param.Name)
		}
	}

	start := time.Now()
	result, err := bt.fn(ctx, args)
	metrics := ToolMetrics{Tool: name, LatencyMs: time.Since(start).Milliseconds()}
	return result, metrics, err
}
