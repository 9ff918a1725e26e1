// Package tools is the tool registry behind the live tool protocol. It answers
// the MCP-style methods initialize, ping, tools/list and tools/call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/toolproto"
)

const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodInitialized = "notifications/initialized"

	ProtocolVersion = "2024-11-05"
)

// Tool is the listing entry of one tool.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

type Executor interface {
	Name() string
	Definition() Tool
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Registry struct {
	info     ServerInfo
	byName   map[string]Executor
	resolved map[string]*jsonschema.Resolved
}

func NewRegistry(info ServerInfo, executors ...Executor) (*Registry, error) {
	r := &Registry{
		info:     info,
		byName:   make(map[string]Executor, len(executors)),
		resolved: make(map[string]*jsonschema.Resolved, len(executors)),
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		name := strings.TrimSpace(ex.Name())
		if name == "" {
			return nil, fmt.Errorf("tool name must be non-empty")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		def := ex.Definition()
		if def.InputSchema != nil {
			rs, err := def.InputSchema.Resolve(nil)
			if err != nil {
				return nil, fmt.Errorf("resolve schema for tool %q: %w", name, err)
			}
			r.resolved[name] = rs
		}
		r.byName[name] = ex
	}
	return r, nil
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call implements core.ToolRegistry.
func (r *Registry) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case MethodInitialize:
		return json.Marshal(map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      r.info,
		})
	case MethodPing:
		return json.RawMessage(`{}`), nil
	case MethodInitialized:
		return nil, nil
	case MethodToolsList:
		defs := make([]Tool, 0, len(r.byName))
		for _, name := range r.Names() {
			defs = append(defs, r.byName[name].Definition())
		}
		return json.Marshal(map[string]any{"tools": defs})
	case MethodToolsCall:
		return r.callTool(ctx, params)
	default:
		return nil, fmt.Errorf("tools: %q: %w", method, toolproto.ErrUnknownMethod)
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError"`
}

func (r *Registry) callTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p callParams
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return nil, toolproto.InvalidParams("tools/call expects {name, arguments}")
	}
	name := strings.TrimSpace(p.Name)
	ex, ok := r.byName[name]
	if !ok {
		return nil, toolproto.InvalidParams(fmt.Sprintf("unknown tool %q", name))
	}

	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if rs := r.resolved[name]; rs != nil {
		var instance any
		if err := json.Unmarshal(args, &instance); err != nil {
			return nil, toolproto.InvalidParams("arguments must be JSON")
		}
		if err := rs.Validate(instance); err != nil {
			return nil, toolproto.InvalidParams(err.Error())
		}
	}

	out, err := ex.Execute(ctx, args)
	if err != nil {
		return json.Marshal(callResult{
			Content: []textContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	text, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	return json.Marshal(callResult{Content: []textContent{{Type: "text", Text: string(text)}}})
}

// FuncTool adapts a typed function into an Executor whose input schema is
// derived from the argument type.
type FuncTool[T any] struct {
	name        string
	description string
	schema      *jsonschema.Schema
	fn          func(ctx context.Context, args T) (any, error)
}

func NewFuncTool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (*FuncTool[T], error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("schema for tool %q: %w", name, err)
	}
	return &FuncTool[T]{name: name, description: description, schema: schema, fn: fn}, nil
}

func (t *FuncTool[T]) Name() string { return t.name }

func (t *FuncTool[T]) Definition() Tool {
	return Tool{Name: t.name, Description: t.description, InputSchema: t.schema}
}

func (t *FuncTool[T]) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return t.fn(ctx, v)
}
