package providers

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("conductor/providers")

// Client implements Provider against any OpenAI-compatible API
// (OpenAI, Ollama, Groq, DeepSeek, VLLM, etc.). The endpoint is
// config-driven; callers never see which backend serves them.
type Client struct {
	apiBase      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	retryConfig  RetryConfig
}

// NewClient creates a Client for the given base URL. The chat
// completions path "/v1/chat/completions" is appended to apiBase.
func NewClient(apiBase, apiKey, defaultModel string, timeout time.Duration) *Client {
	apiBase = strings.TrimRight(apiBase, "/")
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Client{
		apiBase:      apiBase,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		retryConfig:  DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the retry policy.
func (c *Client) WithRetryConfig(cfg RetryConfig) *Client {
	c.retryConfig = cfg
	return c
}

func (c *Client) DefaultModel() string { return c.defaultModel }

func (c *Client) resolveModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	return model
}

// Complete sends the transcript and returns the full response.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := c.resolveModel(req.Model)
	ctx, span := tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	body := c.buildRequestBody(model, req, false)

	result, err := RetryDo(ctx, c.retryConfig, func() (*Completion, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var wire wireResponse
		if err := json.NewDecoder(respBody).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return parseResponse(&wire), nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if result.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", result.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", result.Usage.CompletionTokens),
		)
	}
	return result, nil
}

// CompleteStream sends the transcript and streams chunks via onChunk.
// Only the connection phase is retried; once streaming starts, a broken
// stream surfaces as an error.
func (c *Client) CompleteStream(ctx context.Context, req CompletionRequest, onChunk func(StreamChunk)) (*Completion, error) {
	model := c.resolveModel(req.Model)
	ctx, span := tracer.Start(ctx, "llm.complete_stream", trace.WithAttributes(
		attribute.String("llm.model", model),
	))
	defer span.End()

	body := c.buildRequestBody(model, req, true)

	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer respBody.Close()

	result := &Completion{FinishReason: "stop", Model: model}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				result.Usage = chunk.Usage.toUsage()
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			result.FinishReason = chunk.Choices[0].FinishReason
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (c *Client) buildRequestBody(model string, req CompletionRequest, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		})
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	return body
}

func (c *Client) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toUsage() *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func parseResponse(resp *wireResponse) *Completion {
	result := &Completion{FinishReason: "stop", Model: resp.Model}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = resp.Usage.toUsage()
	}
	return result
}
