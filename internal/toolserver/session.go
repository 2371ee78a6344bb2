package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jarvis-ops/jarvis/internal/audit"
	"github.com/jarvis-ops/jarvis/internal/errs"
	"github.com/jarvis-ops/jarvis/internal/tools"
)

// NotifySink delivers a server-initiated Notify to the connection. Transports
// supply one so a Session can emit tools/progress without knowing how the
// underlying frame gets written.
type NotifySink func(Notify) error

// AuditRecorder is the narrow audit.Logger surface a Session writes
// tool-invocation records to. Nil disables audit logging.
type AuditRecorder interface {
	Log(rec audit.Record)
}

// MetricsRecorder is the narrow metrics.Registry surface a Session
// reports tool-call outcomes to. Nil disables metrics recording.
type MetricsRecorder interface {
	ObserveToolCall(tool, outcome string, seconds float64)
}

// Session is one isolated connection's view of a Registry: no state is
// shared across sessions beyond the Registry itself, and concurrent calls
// on the same session are tracked independently so they can be cancelled
// individually by id.
type Session struct {
	registry *tools.Registry
	logger   *slog.Logger
	notify   NotifySink
	audit    AuditRecorder
	metrics  MetricsRecorder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSession builds a Session bound to registry. notify, auditLog, and
// metricsReg may each be nil, independently disabling tools/progress
// notifications, audit logging, and metrics recording respectively.
func NewSession(registry *tools.Registry, logger *slog.Logger, notify NotifySink, auditLog AuditRecorder, metricsReg MetricsRecorder) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		registry: registry,
		logger:   logger.With("component", component),
		notify:   notify,
		audit:    auditLog,
		metrics:  metricsReg,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func idKey(id any) string { return fmt.Sprintf("%v", id) }

// Handle dispatches one Request and returns its Response. Callers running
// multiple requests concurrently on the same session (as the wire protocol
// requires) should invoke Handle from its own goroutine per request; Session
// itself is safe for concurrent use.
func (s *Session) Handle(ctx context.Context, req Request) Response {
	switch req.Method {
	case "tools/list":
		return s.handleList(req)
	case "tools/call":
		return s.handleCall(ctx, req)
	case "$/cancel":
		return s.handleCancel(req)
	default:
		return errorResponse(req.ID, CodeNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Session) handleList(req Request) Response {
	descriptors := s.registry.List()
	out := make([]ToolDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.Schema})
	}
	result, err := json.Marshal(ToolsListResult{Tools: out})
	if err != nil {
		return errorResponse(req.ID, CodeServer, err.Error())
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Session) handleCall(ctx context.Context, req Request) Response {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeBadArgs, fmt.Sprintf("invalid params: %v", err))
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := idKey(req.ID)
	s.mu.Lock()
	s.cancels[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, key)
		s.mu.Unlock()
		cancel()
	}()

	if s.notify != nil {
		progress, _ := json.Marshal(ToolsProgressParams{ID: req.ID, Message: fmt.Sprintf("executing %s", params.Name)})
		_ = s.notify(Notify{Method: "tools/progress", Params: progress})
	}

	var argMap map[string]any
	_ = json.Unmarshal(params.Arguments, &argMap)
	destructive := audit.IsDestructive(string(params.Arguments))
	s.logAudit(audit.EventToolInvocation, params.Name, argMap, destructive, audit.OutcomeOK, "")

	res, err := s.registry.CallWithCancel(callCtx, params.Name, params.Arguments)
	if err != nil {
		s.logAudit(audit.EventToolCompletion, params.Name, argMap, destructive, audit.OutcomeError, err.Error())
		s.recordMetric(params.Name, "error", 0)
		return errorResponse(req.ID, codeFor(err), err.Error())
	}

	outcome := audit.OutcomeOK
	metricOutcome := "ok"
	if res.IsError {
		outcome = audit.OutcomeError
		metricOutcome = "error"
	} else if destructive {
		outcome = audit.OutcomePreview
	}
	s.logAudit(audit.EventToolCompletion, params.Name, argMap, destructive, outcome, "")
	s.recordMetric(params.Name, metricOutcome, res.Elapsed)

	content := make([]ContentPart, 0, len(res.Content))
	for _, p := range res.Content {
		part := ContentPart{Type: string(p.Kind), Text: p.Text, Data: p.Data}
		content = append(content, part)
	}
	result, merr := json.Marshal(ToolsCallResult{Content: content, IsError: res.IsError})
	if merr != nil {
		return errorResponse(req.ID, CodeServer, merr.Error())
	}
	return Response{ID: req.ID, Result: result}
}

// logAudit is a no-op when the Session was built without an AuditRecorder.
func (s *Session) logAudit(typ audit.EventType, tool string, args map[string]any, destructive bool, outcome audit.Outcome, errMsg string) {
	if s.audit == nil {
		return
	}
	s.audit.Log(audit.Record{
		Type: typ, Actor: "mcp", Action: tool, Arguments: args,
		Destructive: destructive, Outcome: outcome, Error: errMsg,
	})
}

// recordMetric is a no-op when the Session was built without a MetricsRecorder.
func (s *Session) recordMetric(tool, outcome string, seconds float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveToolCall(tool, outcome, seconds)
}

func (s *Session) handleCancel(req Request) Response {
	var params CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeBadArgs, fmt.Sprintf("invalid params: %v", err))
	}

	s.mu.Lock()
	cancel, ok := s.cancels[idKey(params.ID)]
	s.mu.Unlock()

	if ok {
		cancel()
	}
	result, _ := json.Marshal(map[string]bool{"cancelled": ok})
	return Response{ID: req.ID, Result: result}
}

func errorResponse(id any, code, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}

func codeFor(err error) string {
	switch errs.KindOf(err) {
	case errs.BadArgs:
		return CodeBadArgs
	case errs.NotFound:
		return CodeNotFound
	case errs.Cancelled:
		return CodeCancelled
	case errs.ExternalTool:
		return CodeExternalTool
	default:
		return CodeServer
	}
}
