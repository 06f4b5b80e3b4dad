package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *Client {
	return NewClient(Config{
		Endpoint: url,
		Model:    "test-model",
		Retry:    RetryConfig{MaxRetries: 3, BaseTimeout: 10 * time.Second, RetryIncrement: time.Second},
	})
}

func TestSendNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "test-model" {
			t.Errorf("model = %v, want test-model", body["model"])
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"hi"},"done":true,"prompt_eval_count":10,"eval_count":5}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Send(context.Background(), []Message{NewMessage(RoleUser, "hello")}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want hi", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", resp.Usage)
	}
}

func TestSendStreamingAccumulates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"message":{"role":"assistant","thinking":"hm"},"done":false}`,
			`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
			`this line is not json and must be skipped`,
			`{"message":{"role":"assistant","content":" world"},"done":false}`,
			`{"message":{"role":"assistant","content":"","tool_calls":[{"id":"t0","function":{"name":"old","arguments":{}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":"","tool_calls":[{"id":"t1","function":{"name":"read","arguments":{"path":"/x"}}}]},"done":true}`,
		}
		for _, f := range frames {
			fmt.Fprintln(w, f)
		}
	}))
	defer srv.Close()

	var chunks []string
	resp, err := testClient(srv.URL).Send(context.Background(), []Message{NewMessage(RoleUser, "go")}, SendOptions{
		Stream:  true,
		OnChunk: func(c StreamChunk) { chunks = append(chunks, c.Content) },
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("content = %q, want %q", resp.Content, "Hello world")
	}
	if resp.Thinking != "hm" {
		t.Errorf("thinking = %q, want hm", resp.Thinking)
	}
	// tool_calls replace: the last non-empty value wins.
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "read" {
		t.Errorf("tool calls = %+v, want single read call", resp.ToolCalls)
	}
	if !resp.ContentStreamed {
		t.Error("ContentStreamed should be set for streamed responses")
	}
}

func TestSendRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"recovered"},"done":true}`)
	}))
	defer srv.Close()

	start := time.Now()
	resp, err := testClient(srv.URL).Send(context.Background(), []Message{NewMessage(RoleUser, "x")}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q, want recovered", resp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", calls.Load())
	}
	// First back-off is 2^0 = 1s.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed %v, want >= 1s back-off before retry", elapsed)
	}
}

func TestSendExhaustedRetriesReportsError(t *testing.T) {
	c := NewClient(Config{
		Endpoint: "http://127.0.0.1:1", // nothing listens here
		Model:    "m",
		Retry:    RetryConfig{MaxRetries: 0, BaseTimeout: 2 * time.Second, RetryIncrement: time.Second},
	})
	resp, err := c.Send(context.Background(), []Message{NewMessage(RoleUser, "x")}, SendOptions{MaxRetries: -1})
	if err != nil {
		t.Fatalf("Send should report endpoint failure on the response, got error: %v", err)
	}
	if resp.Err == "" {
		t.Error("expected Err to be set")
	}
	if resp.Suggestion == "" {
		t.Error("expected a suggestion block")
	}
}

func TestCancelReturnsInterruptedWithPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial "},"done":false}`)
		fl.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv.URL)
	done := make(chan *LLMResponse, 1)
	go func() {
		resp, _ := c.Send(context.Background(), []Message{NewMessage(RoleUser, "x")}, SendOptions{Stream: true})
		done <- resp
	}()

	time.Sleep(200 * time.Millisecond)
	c.Cancel()
	c.Cancel() // idempotent

	select {
	case resp := <-done:
		if !resp.Interrupted {
			t.Error("expected Interrupted response")
		}
		if resp.Content != "partial " {
			t.Errorf("partial content = %q, want %q", resp.Content, "partial ")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after Cancel")
	}
}

func TestValidationRetryRepairs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Malformed: string arguments that are not JSON.
			fmt.Fprint(w, `{"message":{"role":"assistant","tool_calls":[{"name":"read","arguments":"{oops"}]},"done":true}`)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		if !strings.Contains(last["content"].(string), "malformed") {
			t.Errorf("retry should describe the errors, got %q", last["content"])
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"read","arguments":{"path":"/x"}}}]},"done":true}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Send(context.Background(), []Message{NewMessage(RoleUser, "x")}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ValidationFailed {
		t.Error("validation retry should have repaired the calls")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "c1" {
		t.Errorf("tool calls = %+v, want repaired c1", resp.ToolCalls)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
}

func TestValidationRetryFailureMarksResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always malformed.
		fmt.Fprint(w, `{"message":{"role":"assistant","tool_calls":[{"arguments":{}}]},"done":true}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Send(context.Background(), []Message{NewMessage(RoleUser, "x")}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.ValidationFailed {
		t.Error("expected ValidationFailed after unsuccessful repair")
	}
	if len(resp.ValidationErrors) == 0 {
		t.Error("expected validation errors to be reported")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"qwen3:8b","size":5000000000,"modified_at":"2026-01-02T03:04:05Z"}]}`)
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "qwen3:8b" {
		t.Errorf("models = %+v", models)
	}
}

func TestSupportsToolsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model does not support tools"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if c.SupportsTools(context.Background()) {
		t.Error("expected tools unsupported")
	}
	c.SupportsTools(context.Background())
	if calls.Load() != 1 {
		t.Errorf("probe requests = %d, want 1 (cached)", calls.Load())
	}
}
