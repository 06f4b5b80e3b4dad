package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Config configures a model client against one chat endpoint.
type Config struct {
	Endpoint    string // e.g. "http://localhost:11434"
	Model       string
	Temperature float64
	NumCtx      int
	NumPredict  int
	KeepAlive   string

	// Think sets the endpoint's reasoning effort (low, medium, high).
	// Empty leaves the model default.
	Think string

	Retry RetryConfig
}

// Client talks to a chat-completions-style endpoint with function calling.
// One request may be in flight at a time per client; Cancel aborts it.
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	cancelFn context.CancelFunc
	closed   bool
}

// NewClient creates a model client. The HTTP client carries no global
// timeout; each attempt gets an adaptive per-attempt deadline instead.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Model
}

// SetModel switches the model for subsequent sends. In-flight requests
// keep the model they started with.
func (c *Client) SetModel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Model = name
}

// Endpoint returns the configured endpoint base URL.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

// Cancel aborts the in-flight request, if any. Idempotent.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFn != nil {
		c.cancelFn()
	}
}

// Close cancels any in-flight request and releases idle connections.
func (c *Client) Close() {
	c.Cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.http.CloseIdleConnections()
}

// parsedResponse is one decoded endpoint response before normalization.
type parsedResponse struct {
	content  string
	thinking string
	calls    []wireToolCall
	usage    *Usage
	streamed bool
}

// Send runs one model step with retries. Endpoint failures after the retry
// budget are reported on the response (Err + Suggestion), not as a Go error;
// cancellation yields Interrupted with any partial streamed content.
func (c *Client) Send(ctx context.Context, messages []Message, opts SendOptions) (*LLMResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("providers: client is closed")
	}
	c.mu.Unlock()

	maxRetries := c.cfg.Retry.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	} else if opts.MaxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Retry.attemptTimeout(attempt))
		c.setCancel(cancel)
		parsed, err := c.attempt(attemptCtx, messages, opts, nil)
		c.clearCancel()
		cancel()

		if err == nil {
			return c.finish(ctx, messages, opts, parsed), nil
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			resp := &LLMResponse{Role: RoleAssistant, Interrupted: true}
			if parsed != nil {
				resp.Content = parsed.content
				resp.Thinking = parsed.thinking
				resp.ContentStreamed = parsed.streamed
			}
			return resp, nil
		}

		lastErr = err
		if attempt == maxRetries || !retryable(err) {
			break
		}
		wait := backoffFor(err, attempt)
		slog.Warn("model request failed, retrying",
			"attempt", attempt+1, "max_retries", maxRetries, "backoff", wait, "error", err)
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return &LLMResponse{Role: RoleAssistant, Interrupted: true}, nil
		}
	}

	return &LLMResponse{
		Role:       RoleAssistant,
		Err:        lastErr.Error(),
		Suggestion: c.suggestionFor(lastErr),
	}, nil
}

// finish normalizes tool calls and, when repair fails validation, runs the
// single validation-retry round trip.
func (c *Client) finish(ctx context.Context, messages []Message, opts SendOptions, parsed *parsedResponse) *LLMResponse {
	resp := &LLMResponse{
		Role:            RoleAssistant,
		Content:         parsed.content,
		Thinking:        parsed.thinking,
		ContentStreamed: parsed.streamed,
		Usage:           parsed.usage,
	}

	calls, verrs := normalizeToolCalls(parsed.calls)
	if len(verrs) == 0 {
		resp.ToolCalls = calls
		return resp
	}

	slog.Warn("tool call validation failed, asking model to repair",
		"errors", len(verrs), "model", c.Model())
	if repaired := c.validationRetry(ctx, messages, opts, parsed, verrs); repaired != nil {
		repaired.ReplaceStreaming = parsed.streamed
		return repaired
	}

	resp.ToolCalls = calls
	resp.ValidationFailed = true
	resp.ValidationErrors = verrs
	return resp
}

// validationRetry reconstructs an assistant message carrying the original
// (re-serialized) tool calls plus a user message describing the errors, then
// re-sends once without streaming or retries. A clean response replaces the
// original; nil means the retry did not help.
func (c *Client) validationRetry(ctx context.Context, messages []Message, opts SendOptions, parsed *parsedResponse, verrs []string) *LLMResponse {
	extra := []map[string]any{
		{
			"role":       RoleAssistant,
			"content":    parsed.content,
			"tool_calls": toWire(parsed.calls),
		},
		{
			"role": RoleUser,
			"content": fmt.Sprintf(
				"Your tool calls were malformed:\n- %s\n\nRe-issue them using the exact shape "+
					`{"id": "...", "type": "function", "function": {"name": "<tool>", "arguments": {...}}} `+
					"where arguments is a JSON object, not a string.",
				strings.Join(verrs, "\n- ")),
		},
	}

	retryOpts := opts
	retryOpts.Stream = false
	retryOpts.OnChunk = nil

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Retry.BaseTimeout)
	defer cancel()
	reparsed, err := c.attempt(attemptCtx, messages, retryOpts, extra)
	if err != nil {
		slog.Warn("validation retry failed", "error", err)
		return nil
	}
	calls, verrs2 := normalizeToolCalls(reparsed.calls)
	if len(verrs2) > 0 {
		return nil
	}
	return &LLMResponse{
		Role:      RoleAssistant,
		Content:   reparsed.content,
		Thinking:  reparsed.thinking,
		ToolCalls: calls,
		Usage:     reparsed.usage,
	}
}

func (c *Client) setCancel(fn context.CancelFunc) {
	c.mu.Lock()
	c.cancelFn = fn
	c.mu.Unlock()
}

func (c *Client) clearCancel() {
	c.mu.Lock()
	c.cancelFn = nil
	c.mu.Unlock()
}

// attempt performs one HTTP round trip and decodes the response. extra
// appends raw wire messages after the conversation (used by the validation
// retry to replay the malformed assistant turn).
func (c *Client) attempt(ctx context.Context, messages []Message, opts SendOptions, extra []map[string]any) (*parsedResponse, error) {
	body, err := json.Marshal(c.buildBody(messages, opts, extra))
	if err != nil {
		return nil, fmt.Errorf("providers: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b := new(bytes.Buffer)
		_, _ = b.ReadFrom(httpResp.Body)
		return nil, &httpStatusError{status: httpResp.StatusCode, body: strings.TrimSpace(b.String())}
	}

	if opts.Stream {
		return c.decodeStream(ctx, httpResp, opts.OnChunk)
	}
	return c.decodeSingle(httpResp)
}

func (c *Client) buildBody(messages []Message, opts SendOptions, extra []map[string]any) map[string]any {
	wireMsgs := make([]any, 0, len(messages)+len(extra))
	for _, m := range messages {
		wireMsgs = append(wireMsgs, wireMessage(m))
	}
	for _, m := range extra {
		wireMsgs = append(wireMsgs, m)
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	options := map[string]any{"temperature": temperature}
	if n := firstNonZero(opts.NumCtx, c.cfg.NumCtx); n > 0 {
		options["num_ctx"] = n
	}
	if n := firstNonZero(opts.NumPredict, c.cfg.NumPredict); n > 0 {
		options["num_predict"] = n
	}

	body := map[string]any{
		"model":    c.Model(),
		"messages": wireMsgs,
		"stream":   opts.Stream,
		"options":  options,
	}
	if ka := firstNonEmpty(opts.KeepAlive, c.cfg.KeepAlive); ka != "" {
		body["keep_alive"] = ka
	}
	if c.cfg.Think != "" {
		body["think"] = c.cfg.Think
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}
	return body
}

// wireMessage maps a Message to the endpoint's message shape.
func wireMessage(m Message) map[string]any {
	w := map[string]any{"role": m.Role, "content": m.Content}
	if len(m.ToolCalls) > 0 {
		w["tool_calls"] = m.ToolCalls
	}
	if m.ToolCallID != "" {
		w["tool_call_id"] = m.ToolCallID
	}
	if m.Name != "" {
		w["name"] = m.Name
	}
	return w
}

// wireChatResponse is one endpoint frame, streamed or not.
type wireChatResponse struct {
	Message struct {
		Role         string         `json:"role"`
		Content      string         `json:"content"`
		Thinking     string         `json:"thinking"`
		ToolCalls    []wireToolCall `json:"tool_calls"`
		FunctionCall *wireFunction  `json:"function_call"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (w *wireChatResponse) toolCalls() []wireToolCall {
	if len(w.Message.ToolCalls) > 0 {
		return w.Message.ToolCalls
	}
	if w.Message.FunctionCall != nil {
		return []wireToolCall{{Function: w.Message.FunctionCall}}
	}
	return nil
}

func (c *Client) decodeSingle(resp *http.Response) (*parsedResponse, error) {
	var frame wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, &decodeError{err: err}
	}
	if frame.Error != "" {
		return nil, fmt.Errorf("providers: endpoint error: %s", frame.Error)
	}
	return &parsedResponse{
		content:  frame.Message.Content,
		thinking: frame.Message.Thinking,
		calls:    frame.toolCalls(),
		usage:    usageFrom(&frame),
	}, nil
}

// decodeStream reads newline-delimited JSON frames. Content and thinking
// accumulate by concatenation; tool_calls are replaced, the last non-empty
// value wins. Malformed lines are skipped. On cancellation the partial
// accumulation is returned alongside the context error.
func (c *Client) decodeStream(ctx context.Context, resp *http.Response, onChunk func(StreamChunk)) (*parsedResponse, error) {
	parsed := &parsedResponse{streamed: true}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame wireChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Debug("skipping malformed stream frame", "len", len(line))
			continue
		}
		if frame.Error != "" {
			return parsed, fmt.Errorf("providers: endpoint error: %s", frame.Error)
		}

		if frame.Message.Content != "" {
			parsed.content += frame.Message.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: frame.Message.Content})
			}
		}
		if frame.Message.Thinking != "" {
			parsed.thinking += frame.Message.Thinking
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: frame.Message.Thinking})
			}
		}
		if calls := frame.toolCalls(); len(calls) > 0 {
			parsed.calls = calls
		}

		if frame.Done {
			if u := usageFrom(&frame); u != nil {
				parsed.usage = u
			}
			if onChunk != nil {
				onChunk(StreamChunk{Done: true})
			}
			return parsed, nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return parsed, ctx.Err()
		}
		return parsed, &decodeError{err: err}
	}
	// Stream ended without a done frame; treat what we have as the response.
	return parsed, nil
}

func usageFrom(frame *wireChatResponse) *Usage {
	if frame.PromptEvalCount == 0 && frame.EvalCount == 0 {
		return nil
	}
	return &Usage{
		PromptTokens:     frame.PromptEvalCount,
		CompletionTokens: frame.EvalCount,
		TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
	}
}

func (c *Client) suggestionFor(err error) string {
	var se *httpStatusError
	if errors.As(err, &se) {
		if se.status == http.StatusNotFound {
			return fmt.Sprintf("Model %q may not be available. Run `ally models` to list installed models.", c.Model())
		}
		return "The model endpoint returned an error. Check that it is healthy and the model is loaded."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The model request timed out. A smaller context size or faster model may help."
	}
	return fmt.Sprintf("Could not reach the model endpoint at %s. Is it running?", c.cfg.Endpoint)
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
