package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
	"github.com/jarvis-ops/jarvis/internal/llm"
	"github.com/jarvis-ops/jarvis/internal/memory"
)

const component = "router"

// PerfRecorder is the subset of memory.Store the Router depends on,
// isolated so tests can substitute a fake without standing up sqlite.
type PerfRecorder interface {
	RecordModelPerf(ctx context.Context, row memory.ModelPerformance) error
}

// Options configures a single Complete/Ask call.
type Options struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
	Tags        map[string]string
	Policy      *llm.Policy
}

// Router picks a backend per call, applies an intent-appropriate system
// prompt, manages streaming, and records one ModelPerformance row per
// terminal outcome. Grounded on the teacher's internal/agent/routing/router.go
// (candidate ordering, health cooldown) and internal/agent/failover.go
// (one-shot alternative-backend retry on Unavailable/RateLimited).
type Router struct {
	gateway      llm.Backend
	gatewayHealth *healthCache
	local        llm.Backend
	localHealth  *healthCache

	intentModels map[string]string // Intent -> local model name
	gatewayModel string

	perf PerfRecorder

	// cancelGrace bounds how long a cancelled call is given to unwind
	// before the router force-drops the backend connection.
	cancelGrace time.Duration
	// deadline bounds how long Complete/Ask may run end to end.
	deadline time.Duration
}

// Config constructs a Router.
type Config struct {
	Gateway       llm.Backend // nil if not configured
	Local         llm.Backend // nil if not configured
	IntentModels  map[string]string
	GatewayModel  string
	Perf          PerfRecorder
	HealthTTL     time.Duration
	CancelGrace   time.Duration
	Deadline      time.Duration
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	r := &Router{
		intentModels: cfg.IntentModels,
		gatewayModel: cfg.GatewayModel,
		perf:         cfg.Perf,
		cancelGrace:  cfg.CancelGrace,
		deadline:     cfg.Deadline,
	}
	if r.cancelGrace <= 0 {
		r.cancelGrace = 250 * time.Millisecond
	}
	if r.deadline <= 0 {
		r.deadline = 30 * time.Second
	}
	if cfg.Gateway != nil {
		r.gateway = cfg.Gateway
		r.gatewayHealth = newHealthCache(cfg.Gateway, cfg.HealthTTL)
	}
	if cfg.Local != nil {
		r.local = cfg.Local
		r.localHealth = newHealthCache(cfg.Local, cfg.HealthTTL)
	}
	return r
}

// candidate is one backend + concrete model to try, in priority order.
type candidate struct {
	backend llm.Backend
	model   string
}

// candidates builds the ordered list per the routing policy: gateway
// first if configured and healthy, else local with its per-intent default
// model.
func (r *Router) candidates(intent Intent) []candidate {
	var list []candidate
	if r.gateway != nil && r.gatewayHealth.isHealthy(context.Background()) {
		list = append(list, candidate{backend: r.gateway, model: r.gatewayModel})
	}
	if r.local != nil && r.localHealth.isHealthy(context.Background()) {
		model := r.intentModels[string(intent)]
		if model == "" {
			model = r.intentModels["unknown"]
		}
		list = append(list, candidate{backend: r.local, model: model})
	}
	return list
}

// alternative returns the backend not used for primary, for the one-shot
// failover retry.
func (r *Router) alternative(used llm.Backend) *candidate {
	if used == r.gateway && r.local != nil {
		return &candidate{backend: r.local, model: r.intentModels["unknown"]}
	}
	if used == r.local && r.gateway != nil {
		return &candidate{backend: r.gateway, model: r.gatewayModel}
	}
	return nil
}

// Complete runs a one-shot completion for user text under the given
// intent, returning the assistant's text.
func (r *Router) Complete(ctx context.Context, intent Intent, userText string, opts Options) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(intent)},
		{Role: llm.RoleUser, Content: userText},
	}
	resp, err := r.Ask(ctx, intent, messages, opts)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errs.New(errs.Backend, component, "complete", fmt.Errorf("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream runs a streaming completion, returning a channel of text
// deltas. The channel closes when the stream ends, is cancelled, or
// errors; callers inspect the final ChunkEvent.Err.
func (r *Router) CompleteStream(ctx context.Context, intent Intent, userText string, opts Options) (<-chan llm.ChunkEvent, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(intent)},
		{Role: llm.RoleUser, Content: userText},
	}
	return r.askStream(ctx, intent, messages, opts)
}

// Ask passes messages through verbatim (no system prompt injection),
// selecting a backend per the routing policy with one-shot failover.
func (r *Router) Ask(ctx context.Context, intent Intent, messages []llm.Message, opts Options) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	cands := r.candidates(intent)
	if len(cands) == 0 {
		r.recordPerf(ctx, "", intent, 0, 0, "unavailable")
		return nil, errs.New(errs.Unavailable, component, "ask", fmt.Errorf("no healthy backend for intent %s", intent))
	}

	start := time.Now()
	primary := cands[0]
	resp, err := r.callOnce(ctx, primary, messages, opts)
	if err == nil {
		r.recordPerf(ctx, primary.model, intent, time.Since(start).Milliseconds(), usageTokens(resp), "success")
		return resp, nil
	}

	kind := errs.KindOf(err)
	if kind == errs.Cancelled {
		r.recordPerf(ctx, primary.model, intent, time.Since(start).Milliseconds(), 0, "cancelled")
		return nil, err
	}

	if kind != errs.Unavailable && kind != errs.RateLimited {
		r.recordPerf(ctx, primary.model, intent, time.Since(start).Milliseconds(), 0, "error")
		return nil, err
	}

	// Mark the failing backend unhealthy so the next call skips it
	// without re-probing, then try the alternative exactly once.
	r.markUnhealthy(primary.backend)
	alt := r.alternative(primary.backend)
	if alt == nil {
		r.recordPerf(ctx, primary.model, intent, time.Since(start).Milliseconds(), 0, "unavailable")
		return nil, err
	}

	altStart := time.Now()
	resp, altErr := r.callOnce(ctx, *alt, messages, opts)
	if altErr != nil {
		outcome := "unavailable"
		if errs.KindOf(altErr) == errs.Cancelled {
			outcome = "cancelled"
		}
		r.recordPerf(ctx, alt.model, intent, time.Since(altStart).Milliseconds(), 0, outcome)
		return nil, altErr
	}
	r.recordPerf(ctx, alt.model, intent, time.Since(altStart).Milliseconds(), usageTokens(resp), "success")
	return resp, nil
}

func usageTokens(resp *llm.Response) int64 {
	if resp == nil {
		return 0
	}
	return resp.Usage.PromptTokens + resp.Usage.CompletionTokens
}

func (r *Router) callOnce(ctx context.Context, c candidate, messages []llm.Message, opts Options) (*llm.Response, error) {
	req := llm.Request{
		Model:    c.model,
		Messages: messages,
		Options: llm.Options{
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			TopP:        opts.TopP,
			Stop:        opts.Stop,
			Tags:        opts.Tags,
			Policy:      opts.Policy,
		},
	}
	return c.backend.Chat(ctx, req)
}

func (r *Router) askStream(ctx context.Context, intent Intent, messages []llm.Message, opts Options) (<-chan llm.ChunkEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)

	cands := r.candidates(intent)
	if len(cands) == 0 {
		cancel()
		r.recordPerf(context.Background(), "", intent, 0, 0, "unavailable")
		return nil, errs.New(errs.Unavailable, component, "ask_stream", fmt.Errorf("no healthy backend for intent %s", intent))
	}

	primary := cands[0]
	req := llm.Request{
		Model:    primary.model,
		Messages: messages,
		Options: llm.Options{
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			TopP:        opts.TopP,
			Stop:        opts.Stop,
			Tags:        opts.Tags,
			Policy:      opts.Policy,
			Stream:      true,
		},
	}

	upstream, err := primary.backend.ChatStream(ctx, req)
	if err != nil {
		cancel()
		r.markUnhealthy(primary.backend)
		r.recordPerf(context.Background(), primary.model, intent, 0, 0, "unavailable")
		return nil, err
	}

	out := make(chan llm.ChunkEvent, 16)
	start := time.Now()
	go func() {
		defer cancel()
		defer close(out)
		var tokens int64
		outcome := "success"
		for chunk := range upstream {
			if chunk.Usage != nil {
				tokens = chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens
			}
			if chunk.Err != nil {
				outcome = classifyStreamOutcome(chunk.Err)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				outcome = "cancelled"
				r.recordPerf(context.Background(), primary.model, intent, time.Since(start).Milliseconds(), tokens, outcome)
				return
			}
			if chunk.Kind == llm.ChunkDone {
				break
			}
		}
		r.recordPerf(context.Background(), primary.model, intent, time.Since(start).Milliseconds(), tokens, outcome)
	}()
	return out, nil
}

func classifyStreamOutcome(err error) string {
	if errs.KindOf(err) == errs.Cancelled {
		return "cancelled"
	}
	return "error"
}

func (r *Router) markUnhealthy(backend llm.Backend) {
	if backend == r.gateway && r.gatewayHealth != nil {
		r.gatewayHealth.markUnhealthy()
	}
	if backend == r.local && r.localHealth != nil {
		r.localHealth.markUnhealthy()
	}
}

func (r *Router) recordPerf(ctx context.Context, model string, intent Intent, latencyMs, tokens int64, outcome string) {
	if r.perf == nil {
		return
	}
	_ = r.perf.RecordModelPerf(ctx, memory.ModelPerformance{
		ModelName:        model,
		RequestTimestamp: time.Now(),
		ResponseTimeMs:   latencyMs,
		TokenCount:       tokens,
		TaskType:         modelTaskType(intent),
		Outcome:          outcome,
	})
}
