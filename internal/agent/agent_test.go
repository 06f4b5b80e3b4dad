package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/permissions"
	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/tools"
)

// scriptSrv serves a fixed sequence of chat responses and records request
// bodies for assertions.
type scriptSrv struct {
	mu        sync.Mutex
	responses []string
	bodies    []string
	srv       *httptest.Server
}

func newScriptSrv(responses ...string) *scriptSrv {
	s := &scriptSrv{responses: responses}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		resp := contentResp("out of script")
		if len(s.responses) > 0 {
			resp = s.responses[0]
			s.responses = s.responses[1:]
		}
		s.mu.Unlock()
		fmt.Fprintln(w, resp)
	}))
	return s
}

func (s *scriptSrv) close() { s.srv.Close() }

func (s *scriptSrv) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *scriptSrv) body(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 {
		i += len(s.bodies)
	}
	return s.bodies[i]
}

func contentResp(text string) string {
	return fmt.Sprintf(`{"message":{"role":"assistant","content":%q},"done":true}`, text)
}

func toolCallResp(calls string) string {
	return fmt.Sprintf(`{"message":{"role":"assistant","content":"","tool_calls":[%s]},"done":true}`, calls)
}

func echoCall(id, value string) string {
	return fmt.Sprintf(`{"id":%q,"type":"function","function":{"name":"echo","arguments":{"v":%q}}}`, id, value)
}

// echoTool records executions and returns its argument.
type echoTool struct {
	mu    sync.Mutex
	seen  []string
	sleep time.Duration
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes v" }
func (e *echoTool) Meta() tools.Meta    { return tools.DefaultMeta() }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"v": map[string]any{"type": "string"}}}
}

func (e *echoTool) Execute(ctx context.Context, inv tools.Invocation) *tools.Result {
	if e.sleep > 0 {
		select {
		case <-time.After(e.sleep):
		case <-ctx.Done():
			return tools.Interrupted("echo interrupted")
		}
	}
	v, _ := inv.Args["v"].(string)
	e.mu.Lock()
	e.seen = append(e.seen, v)
	e.mu.Unlock()
	return tools.Ok("echo:" + v)
}

func (e *echoTool) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

func testRegistry(extra ...tools.Tool) *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range extra {
		reg.Register(t)
	}
	return reg
}

func newTestAgent(t *testing.T, url string, cfg Config, reg *tools.Registry) *Agent {
	t.Helper()
	client := providers.NewClient(providers.Config{
		Endpoint: url,
		Model:    "test-model",
		Retry:    providers.RetryConfig{MaxRetries: 0, BaseTimeout: 10 * time.Second, RetryIncrement: time.Second},
	})
	broker := permissions.NewBroker(nil, permissions.WithAutoConfirm(true))
	b := bus.New()
	orch := tools.NewOrchestrator(reg, b, broker)
	a := New(cfg, client, reg, orch, b)
	t.Cleanup(func() { client.Close() })
	return a
}

func TestPlainReplyTerminatesTurn(t *testing.T) {
	srv := newScriptSrv(contentResp("all done"))
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main", SystemPrompt: "be brief"}, testRegistry())
	reply, err := a.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "all done" {
		t.Errorf("reply = %q, want %q", reply, "all done")
	}
	if srv.calls() != 1 {
		t.Errorf("model calls = %d, want 1", srv.calls())
	}

	hist := a.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want system+user+assistant", len(hist))
	}
	if hist[0].Role != providers.RoleSystem || hist[1].Role != providers.RoleUser || hist[2].Role != providers.RoleAssistant {
		t.Errorf("unexpected roles: %s %s %s", hist[0].Role, hist[1].Role, hist[2].Role)
	}
}

func TestToolCallsRunInModelOrder(t *testing.T) {
	srv := newScriptSrv(
		toolCallResp(echoCall("c1", "first")+","+echoCall("c2", "second")),
		contentResp("finished"),
	)
	defer srv.close()

	echo := &echoTool{}
	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main"}, testRegistry(echo))
	reply, err := a.SendMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "finished" {
		t.Errorf("reply = %q", reply)
	}
	if got := echo.executed(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("execution order = %v", got)
	}

	// The assistant message with tool calls is immediately followed by its
	// results, in call order.
	hist := a.History()
	var idx = -1
	for i, m := range hist {
		if m.Role == providers.RoleAssistant && len(m.ToolCalls) == 2 {
			idx = i
			break
		}
	}
	if idx < 0 || idx+2 >= len(hist) {
		t.Fatalf("missing assistant tool-call message in %d messages", len(hist))
	}
	if hist[idx+1].Role != providers.RoleTool || hist[idx+1].ToolCallID != "c1" {
		t.Errorf("first result = %+v, want tool message for c1", hist[idx+1])
	}
	if hist[idx+2].Role != providers.RoleTool || hist[idx+2].ToolCallID != "c2" {
		t.Errorf("second result = %+v, want tool message for c2", hist[idx+2])
	}
}

func TestValidationFailureInjectsReminder(t *testing.T) {
	malformed := `{"message":{"role":"assistant","tool_calls":[{"name":"echo","arguments":"{oops"}]},"done":true}`
	srv := newScriptSrv(
		malformed, // initial step
		malformed, // validation retry inside the client
		contentResp("recovered"),
	)
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main"}, testRegistry(&echoTool{}))
	reply, err := a.SendMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(srv.body(-1), "failed validation") {
		t.Error("final request should carry the validation reminder")
	}
}

func TestEmptyResponsesAreBounded(t *testing.T) {
	srv := newScriptSrv(
		contentResp(""), contentResp(""), contentResp(""), contentResp(""),
		contentResp(""), contentResp(""), contentResp(""), contentResp(""),
	)
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main"}, testRegistry())
	reply, err := a.SendMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want empty best effort", reply)
	}
	// Three nudges, then the fourth empty response ends the turn.
	if srv.calls() != maxContinuations+1 {
		t.Errorf("model calls = %d, want %d", srv.calls(), maxContinuations+1)
	}
	if !strings.Contains(srv.body(-1), "was empty") {
		t.Error("expected the empty-response reminder in the last request")
	}
}

func TestRequiredToolsRetryThenGiveUp(t *testing.T) {
	srv := newScriptSrv(
		contentResp("answer one"),
		contentResp("answer two"),
		contentResp("answer three"),
	)
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "plan", RequiredTools: []string{"echo"}}, testRegistry(&echoTool{}))
	reply, err := a.SendMessage(context.Background(), "plan it")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// Two requirement retries, then the best response stands.
	if reply != "answer three" {
		t.Errorf("reply = %q", reply)
	}
	if srv.calls() != 3 {
		t.Errorf("model calls = %d, want 3", srv.calls())
	}
	if !strings.Contains(srv.body(-1), "you must use: echo") {
		t.Error("expected the requirements reminder in the last request")
	}
}

func TestRequiredToolsSatisfiedNoReminder(t *testing.T) {
	srv := newScriptSrv(
		toolCallResp(echoCall("c1", "x")),
		contentResp("planned"),
	)
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "plan", RequiredTools: []string{"echo"}}, testRegistry(&echoTool{}))
	reply, err := a.SendMessage(context.Background(), "plan it")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "planned" {
		t.Errorf("reply = %q", reply)
	}
	if srv.calls() != 2 {
		t.Errorf("model calls = %d, want 2", srv.calls())
	}
}

func TestInterjectionBecomesNextUserTurn(t *testing.T) {
	var calls int
	var mu sync.Mutex
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			io.ReadAll(r.Body) // unread body blocks the server's cancel detection
			close(release)
			<-r.Context().Done() // wait for the cancel
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "actually, stop and report") {
			t.Error("second request should carry the interjection as a user message")
		}
		fmt.Fprintln(w, contentResp("acknowledged"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, Config{Kind: "main"}, testRegistry())

	done := make(chan struct{})
	var reply string
	var err error
	go func() {
		reply, err = a.SendMessage(context.Background(), "long task")
		close(done)
	}()

	<-release
	time.Sleep(50 * time.Millisecond)
	a.AddUserInterjection("actually, stop and report")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SendMessage did not return")
	}
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "acknowledged" {
		t.Errorf("reply = %q", reply)
	}
}

func TestInterruptEndsTurn(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		close(release)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, Config{Kind: "main"}, testRegistry())

	done := make(chan error, 1)
	go func() {
		_, err := a.SendMessage(context.Background(), "work")
		done <- err
	}()

	<-release
	time.Sleep(50 * time.Millisecond)
	a.Interrupt("user")

	select {
	case err := <-done:
		if err != ErrInterrupted {
			t.Errorf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("SendMessage did not return")
	}
}

func TestEndpointFailureReportsError(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:1", Config{Kind: "main"}, testRegistry())
	_, err := a.SendMessage(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "model request failed") {
		t.Errorf("err = %v, want model request failure", err)
	}
}

func TestClearHistoryRebuildsSystemPrompt(t *testing.T) {
	srv := newScriptSrv(contentResp("one"), contentResp("two"))
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main", SystemPrompt: "rules"}, testRegistry())
	if _, err := a.SendMessage(context.Background(), "first"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	a.ClearHistory()
	if len(a.History()) != 0 {
		t.Fatal("history should be empty after ClearHistory")
	}
	if _, err := a.SendMessage(context.Background(), "second"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	hist := a.History()
	if hist[0].Role != providers.RoleSystem || hist[0].Content != "rules" {
		t.Errorf("system prompt not rebuilt: %+v", hist[0])
	}
}

func TestTaskContextInjectedOncePerHistory(t *testing.T) {
	srv := newScriptSrv(contentResp("one"), contentResp("two"))
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main", TaskContext: "repo uses Go"}, testRegistry())
	a.SendMessage(context.Background(), "first")
	a.SendMessage(context.Background(), "second")

	count := 0
	for _, m := range a.History() {
		if strings.Contains(m.Content, "repo uses Go") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("task context appears %d times, want 1", count)
	}
}

func TestExploratoryStreakReminder(t *testing.T) {
	// explore is exploratory; six calls in a row cross the gentle threshold.
	calls := make([]string, 0, exploratoryGentleThreshold)
	for i := 0; i < exploratoryGentleThreshold; i++ {
		calls = append(calls, fmt.Sprintf(`{"id":"e%d","type":"function","function":{"name":"explore","arguments":{"n":%d}}}`, i, i))
	}
	srv := newScriptSrv(
		toolCallResp(strings.Join(calls, ",")),
		contentResp("done exploring"),
	)
	defer srv.close()

	a := newTestAgent(t, srv.srv.URL, Config{Kind: "main"}, testRegistry(&exploreTool{}))
	if _, err := a.SendMessage(context.Background(), "look around"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.Contains(srv.body(-1), "exploratory calls in a row") {
		t.Error("expected the gentle exploratory reminder in the final request")
	}
}

// exploreTool is a trivially succeeding exploratory tool.
type exploreTool struct{}

func (e *exploreTool) Name() string        { return "explore" }
func (e *exploreTool) Description() string { return "looks around" }
func (e *exploreTool) Meta() tools.Meta {
	m := tools.DefaultMeta()
	m.Exploratory = true
	return m
}
func (e *exploreTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"n": map[string]any{"type": "integer"}}}
}
func (e *exploreTool) Execute(ctx context.Context, inv tools.Invocation) *tools.Result {
	return tools.Ok("seen")
}
