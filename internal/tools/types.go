// Package tools owns the Tool Registry and Execution Host: it validates
// arguments against each tool's schema, dispatches to handlers, and
// returns structured results.
package tools

import (
	"context"
	"encoding/json"
)

const component = "tools"

// PartKind discriminates a ResultPart.
type PartKind string

const (
	PartText       PartKind = "text"
	PartStructured PartKind = "structured"
)

// ResultPart is one typed piece of a ToolResult's content.
type ResultPart struct {
	Kind PartKind
	Text string
	Data json.RawMessage
}

// TextPart is a convenience constructor for a text ResultPart.
func TextPart(text string) ResultPart { return ResultPart{Kind: PartText, Text: text} }

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content []ResultPart
	IsError bool
	Elapsed float64 // seconds
}

// Text concatenates all text parts, convenient for callers that don't need
// structured content.
func (r *ToolResult) Text() string {
	out := ""
	for _, p := range r.Content {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ErrorResult builds an is_error=true result carrying a single text part.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: []ResultPart{TextPart(msg)}, IsError: true}
}

// OkResult builds an is_error=false result carrying a single text part.
func OkResult(msg string) *ToolResult {
	return &ToolResult{Content: []ResultPart{TextPart(msg)}, IsError: false}
}

// Descriptor is the immutable, registry-visible shape of a registered
// tool: name, description, and the restricted JSON Schema subset named in
// the wire protocol (type, enum, properties, required, items,
// description).
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// Tool is the handler contract every built-in and plug-in tool
// implements.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}
