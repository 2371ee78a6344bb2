package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

const gatewayComponent = "llm.gateway"

// GatewayBackend speaks the OpenAI-compatible /v1/chat/completions
// protocol against a remote gateway, bearer-token authenticated, with the
// router's tags and policy layered onto each request body via a
// decorating http.RoundTripper (go-openai's typed client has no field for
// either, so the extra JSON keys are injected at the transport layer
// rather than forking the client).
type GatewayBackend struct {
	client  *openai.Client
	baseURL string
	retry   retrier

	// currentExtra is read by the transport closure; set immediately
	// before issuing a request. The Router serializes calls through a
	// given backend instance, so no lock is needed.
	currentExtra map[string]any
}

// GatewayConfig configures a GatewayBackend.
type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// extraFieldsTransport injects additional top-level JSON keys into every
// outgoing POST body before it hits the wire.
type extraFieldsTransport struct {
	base  http.RoundTripper
	extra func() map[string]any
}

func (t *extraFieldsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	extra := t.extra()
	if req.Method != http.MethodPost || req.Body == nil || len(extra) == 0 {
		return t.base.RoundTrip(req)
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, v := range extra {
			obj[k] = v
		}
		if merged, err := json.Marshal(obj); err == nil {
			data = merged
		}
	}

	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	return t.base.RoundTrip(req)
}

// NewGatewayBackend constructs a GatewayBackend from cfg.
func NewGatewayBackend(cfg GatewayConfig) *GatewayBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	b := &GatewayBackend{retry: newRetrier(cfg.MaxRetries, cfg.RetryDelay), baseURL: strings.TrimRight(cfg.BaseURL, "/")}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &extraFieldsTransport{
			base:  http.DefaultTransport,
			extra: func() map[string]any { return b.currentExtra },
		},
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = b.baseURL
	clientCfg.HTTPClient = httpClient

	b.client = openai.NewClientWithConfig(clientCfg)
	return b
}

func (b *GatewayBackend) Name() string { return "gateway" }

func (b *GatewayBackend) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return Health{Reason: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Health{Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		return Health{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{}
}

func (b *GatewayBackend) ListModels(ctx context.Context) []string {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil
	}
	var names []string
	for _, m := range list.Models {
		names = append(names, m.ID)
	}
	return names
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func (b *GatewayBackend) buildExtra(req Request) map[string]any {
	extra := map[string]any{}
	if len(req.Options.Tags) > 0 {
		extra["tags"] = req.Options.Tags
	}
	if p := req.Options.Policy; p != nil {
		policy := map[string]any{}
		if p.Strategy != "" {
			policy["strategy"] = p.Strategy
		}
		if p.BudgetUSD > 0 {
			policy["budget_usd"] = p.BudgetUSD
		}
		if p.MaxLatencyMs > 0 {
			policy["max_latency_ms"] = p.MaxLatencyMs
		}
		policy["prefer_local"] = p.PreferLocal
		extra["policy"] = policy
	}
	return extra
}

func (b *GatewayBackend) Chat(ctx context.Context, req Request) (*Response, error) {
	var result *Response
	err := b.retry.run(ctx, isRetryableHTTP, func() error {
		b.currentExtra = b.buildExtra(req)
		resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       req.Model,
			Messages:    toOpenAIMessages(req.Messages),
			Temperature: float32(req.Options.Temperature),
			TopP:        float32(req.Options.TopP),
			MaxTokens:   req.Options.MaxTokens,
			Stop:        req.Options.Stop,
		})
		if err != nil {
			return classifyOpenAIError(err)
		}
		result = convertOpenAIResponse(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *GatewayBackend) ChatStream(ctx context.Context, req Request) (<-chan ChunkEvent, error) {
	b.currentExtra = b.buildExtra(req)
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Options.Temperature),
		TopP:        float32(req.Options.TopP),
		MaxTokens:   req.Options.MaxTokens,
		Stop:        req.Options.Stop,
		Stream:      true,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	out := make(chan ChunkEvent, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		var usage Usage
		for {
			select {
			case <-ctx.Done():
				out <- ChunkEvent{Kind: ChunkDone, Err: errs.New(errs.Cancelled, gatewayComponent, "chat_stream", ctx.Err())}
				return
			default:
			}

			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					out <- ChunkEvent{Kind: ChunkDone, Usage: &usage}
					return
				}
				out <- ChunkEvent{Kind: ChunkDone, Err: classifyOpenAIError(err)}
				return
			}
			if resp.Usage != nil {
				usage = Usage{PromptTokens: int64(resp.Usage.PromptTokens), CompletionTokens: int64(resp.Usage.CompletionTokens)}
			}
			for _, c := range resp.Choices {
				if c.Delta.Content != "" {
					out <- ChunkEvent{Kind: ChunkDelta, Text: c.Delta.Content}
				}
				for _, tc := range c.Delta.ToolCalls {
					out <- ChunkEvent{Kind: ChunkToolCall, ToolCall: &ToolCall{
						ID:       tc.ID,
						Name:     tc.Function.Name,
						ArgsJSON: tc.Function.Arguments,
					}}
				}
			}
		}
	}()
	return out, nil
}

func convertOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	var choices []Choice
	for _, c := range resp.Choices {
		choices = append(choices, Choice{
			Message:      Message{Role: RoleAssistant, Content: c.Message.Content},
			FinishReason: string(c.FinishReason),
		})
	}
	return &Response{
		Choices: choices,
		Usage: Usage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
		},
	}
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if asAPIError(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return errs.New(errs.RateLimited, gatewayComponent, "chat", err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errs.New(errs.Auth, gatewayComponent, "chat", err)
		case http.StatusBadRequest:
			return errs.New(errs.BadArgs, gatewayComponent, "chat", err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return errs.New(errs.Server, gatewayComponent, "chat", err)
		}
	}
	return errs.New(errs.Unavailable, gatewayComponent, "chat", err)
}

func asAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}
