package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

const localComponent = "llm.local"

// LocalBackend speaks the local inference server's /api/chat wire
// protocol: a single JSON object, or a JSONL stream terminated by an
// object carrying done=true. Grounded on the teacher's OllamaProvider.
type LocalBackend struct {
	baseURL    string
	httpClient *http.Client
	retry      retrier
}

// LocalConfig configures a LocalBackend.
type LocalConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// NewLocalBackend constructs a LocalBackend from cfg.
func NewLocalBackend(cfg LocalConfig) *LocalBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalBackend{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return Health{Reason: err.Error()}
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Health{Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Health{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{}
}

func (b *LocalBackend) ListModels(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	var names []string
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names
}

type ollamaMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
	ToolCalls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	EvalCount int         `json:"eval_count"`
	PromptEvalCount int   `json:"prompt_eval_count"`
}

func buildOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (b *LocalBackend) buildRequest(req Request, stream bool) ollamaChatRequest {
	return ollamaChatRequest{
		Model:    req.Model,
		Messages: buildOllamaMessages(req.Messages),
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: req.Options.Temperature,
			TopP:        req.Options.TopP,
			NumPredict:  req.Options.MaxTokens,
			Stop:        req.Options.Stop,
		},
	}
}

// Chat performs a single non-streaming completion.
func (b *LocalBackend) Chat(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := b.retry.run(ctx, isRetryableHTTP, func() error {
		r, err := b.doChat(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *LocalBackend) doChat(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(b.buildRequest(req, false))
	if err != nil {
		return nil, errs.New(errs.BadArgs, localComponent, "chat", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.Unavailable, localComponent, "chat", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Unavailable, localComponent, "chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPStatus(localComponent, "chat", resp.StatusCode, string(data))
	}

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, errs.New(errs.Backend, localComponent, "chat", err)
	}

	return &Response{
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: chunk.Message.Content},
			FinishReason: "stop",
		}},
		Usage: Usage{PromptTokens: int64(chunk.PromptEvalCount), CompletionTokens: int64(chunk.EvalCount)},
	}, nil
}

// ChatStream performs a streaming completion, parsing the JSONL response
// body emitted by the local inference server.
func (b *LocalBackend) ChatStream(ctx context.Context, req Request) (<-chan ChunkEvent, error) {
	body, err := json.Marshal(b.buildRequest(req, true))
	if err != nil {
		return nil, errs.New(errs.BadArgs, localComponent, "chat_stream", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.Unavailable, localComponent, "chat_stream", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Unavailable, localComponent, "chat_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPStatus(localComponent, "chat_stream", resp.StatusCode, string(data))
	}

	out := make(chan ChunkEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- ChunkEvent{Kind: ChunkDone, Err: errs.New(errs.Cancelled, localComponent, "chat_stream", ctx.Err())}
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk ollamaChatChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}

			if chunk.Message.Content != "" {
				out <- ChunkEvent{Kind: ChunkDelta, Text: chunk.Message.Content}
			}
			for _, tc := range chunk.Message.ToolCalls {
				out <- ChunkEvent{Kind: ChunkToolCall, ToolCall: &ToolCall{
					Name:     tc.Function.Name,
					ArgsJSON: string(tc.Function.Arguments),
				}}
			}
			if chunk.Done {
				out <- ChunkEvent{Kind: ChunkDone, Usage: &Usage{
					PromptTokens:     int64(chunk.PromptEvalCount),
					CompletionTokens: int64(chunk.EvalCount),
				}}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- ChunkEvent{Kind: ChunkDone, Err: errs.New(errs.Backend, localComponent, "chat_stream", err)}
		}
	}()

	return out, nil
}

func isRetryableHTTP(err error) bool {
	kind := errs.KindOf(err)
	return kind == errs.Unavailable || kind == errs.RateLimited || kind == errs.Timeout
}

func classifyHTTPStatus(component, op string, status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.RateLimited, component, op, fmt.Errorf("%s", body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.Auth, component, op, fmt.Errorf("%s", body))
	case status >= 500:
		return errs.New(errs.Server, component, op, fmt.Errorf("status %d: %s", status, body))
	case status == http.StatusBadRequest:
		return errs.New(errs.BadArgs, component, op, fmt.Errorf("%s", body))
	default:
		return errs.New(errs.Backend, component, op, fmt.Errorf("status %d: %s", status, body))
	}
}
