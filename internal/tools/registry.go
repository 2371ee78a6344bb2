package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// Limits mirror the teacher's tool_registry.go guards against
// pathological names/payloads reaching a handler.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20 // 10 MiB
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry owns the set of registered tools. It is read-mostly:
// registration happens at startup (or via an exclusive-lock admin call);
// lookups and calls take a read lock.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	defaultTimeout time.Duration
}

// NewRegistry constructs an empty Registry. defaultTimeout bounds every
// call (default 60s per the component design); a shorter deadline already
// on the caller's context still applies.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Registry{tools: make(map[string]*registeredTool), defaultTimeout: defaultTimeout}
}

// Register adds tool to the registry. Fails with Duplicate if the name is
// already taken.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if len(name) == 0 || len(name) > MaxToolNameLength {
		return errs.New(errs.BadArgs, component, "register", fmt.Errorf("tool name length out of bounds: %q", name))
	}
	if _, exists := r.tools[name]; exists {
		return errs.New(errs.Duplicate, component, "register", fmt.Errorf("tool %q already registered", name))
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + name + ".json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(tool.Schema())); err != nil {
		return errs.New(errs.BadArgs, component, "register", fmt.Errorf("invalid schema for %q: %w", name, err))
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return errs.New(errs.BadArgs, component, "register", fmt.Errorf("compile schema for %q: %w", name, err))
	}

	r.tools[name] = &registeredTool{tool: tool, schema: compiled}
	return nil
}

// Unregister removes a tool, used only by tests and the admin reset path.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// List returns the descriptors of every registered tool.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, Descriptor{Name: rt.tool.Name(), Description: rt.tool.Description(), Schema: rt.tool.Schema()})
	}
	return out
}

// Call validates arguments and dispatches to the named tool's handler.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	return r.CallWithCancel(ctx, name, arguments)
}

// CallWithCancel is Call, cooperatively cancellable via ctx.
func (r *Registry) CallWithCancel(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return nil, errs.New(errs.BadArgs, component, "call", fmt.Errorf("tool name too long"))
	}
	if len(arguments) > MaxToolParamsSize {
		return nil, errs.New(errs.BadArgs, component, "call", fmt.Errorf("arguments exceed %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, component, "call", fmt.Errorf("tool %q not registered", name))
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return nil, errs.New(errs.BadArgs, component, "call", fmt.Errorf("arguments are not valid JSON: %w", err))
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return nil, errs.New(errs.BadArgs, component, "call", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan *ToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := rt.tool.Execute(ctx, arguments)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, component, "call", ctx.Err())
	case err := <-errCh:
		return nil, errs.New(errs.ExternalTool, component, "call", err)
	case res := <-resultCh:
		res.Elapsed = time.Since(start).Seconds()
		return res, nil
	}
}
