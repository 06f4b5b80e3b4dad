// Package agent implements the conversational loop: model steps alternate
// with tool execution until the model produces a plain reply. The loop
// injects system reminders for validation failures, empty responses, tool
// cycles, time pressure, and unmet tool requirements; an activity watchdog
// and a loop detector guard each turn. Interjections route through the
// delegation tree to the deepest executing sub-agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/delegation"
	"github.com/allydev/ally/internal/loopdetect"
	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/tools"
	"github.com/allydev/ally/internal/tracing"
	"github.com/allydev/ally/internal/watchdog"
)

const (
	// maxContinuations bounds empty-response nudges and consecutive
	// activity timeouts before the turn gives up.
	maxContinuations = 3

	// requirementMaxRetries bounds "requirements not met" continuation
	// rounds for agents with a required tool set.
	requirementMaxRetries = 2

	exploratoryGentleThreshold = 6
	exploratorySternThreshold  = 10
)

// ErrInterrupted reports that a turn ended because the run was cancelled
// rather than because the model finished.
var ErrInterrupted = errors.New("agent: run interrupted")

// Config describes one agent instance. Kind selects the tool surface and
// the pool matching rules; RequiredTools lists tools the agent must call
// before its reply is accepted.
type Config struct {
	Kind          string
	SystemPrompt  string
	TaskContext   string
	PoolKey       string
	Specialized   bool
	RequiredTools []string

	// InitialMessages preload the conversation. An agent created with
	// initial messages is never shared through the pool.
	InitialMessages []providers.Message

	// MaxDuration caps one turn; 0 means uncapped. Crossing 50/75/90/100
	// percent of the budget injects a time-pressure reminder.
	MaxDuration time.Duration

	// DisableWatchdog turns the activity watchdog off for root agents.
	// Delegated agents always run under a watchdog.
	DisableWatchdog bool
	WatchdogTimeout time.Duration
}

// Agent runs the send-message loop against one model client.
type Agent struct {
	id       string
	cfg      Config
	client   *providers.Client
	registry *tools.Registry
	orch     *tools.Orchestrator
	bus      *bus.ActivityBus

	depth        int
	parentCallID string
	parentWD     *watchdog.Watchdog

	mu              sync.Mutex
	messages        []providers.Message
	pending         []providers.Message
	wd              *watchdog.Watchdog
	cancelRun       context.CancelFunc
	timeouts        int
	taskContextSent bool
	exploratory     int
	cycle           cycleWindow
	usage           providers.Usage
	cleanups        []func()

	// PluginHook runs on every user message and may return a system note
	// to append before the model step (plugin activation).
	PluginHook func(userText string) string

	// OnUserActive and OnIdle bracket each turn for the idle coordinator.
	OnUserActive func()
	OnIdle       func()
}

// New creates an agent with its own model client, tool registry, and
// orchestrator. Registries are per agent so each carries its own
// delegation tree.
func New(cfg Config, client *providers.Client, registry *tools.Registry, orch *tools.Orchestrator, b *bus.ActivityBus) *Agent {
	return &Agent{
		id:       uuid.NewString(),
		cfg:      cfg,
		client:   client,
		registry: registry,
		orch:     orch,
		bus:      b,
	}
}

// ID returns the pool identity of this agent.
func (a *Agent) ID() string { return a.id }

// Kind returns the configured agent kind.
func (a *Agent) Kind() string { return a.cfg.Kind }

// Client returns the model client this agent sends through.
func (a *Agent) Client() *providers.Client { return a.client }

// Usage returns accumulated token usage across turns.
func (a *Agent) Usage() providers.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// DelegationTree exposes the nested delegation state for routing.
func (a *Agent) DelegationTree() *delegation.Tree {
	return a.registry.DelegationTree()
}

// turnState is per-SendMessage bookkeeping.
type turnState struct {
	start         time.Time
	crossed       map[int]bool
	continuations int
	reqRetries    int
	called        map[string]bool
	parentPaused  bool
	lastContent   string
}

// SendMessage runs one full turn: model steps alternating with tool
// execution until the model replies in plain text. The returned error is
// ErrInterrupted when the run was cancelled mid-turn.
func (a *Agent) SendMessage(ctx context.Context, userText string) (string, error) {
	if a.OnUserActive != nil {
		a.OnUserActive()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.cancelRun = cancel
	a.ensureSystemPromptLocked()
	if a.PluginHook != nil {
		if note := a.PluginHook(userText); note != "" {
			a.messages = append(a.messages, providers.NewMessage(providers.RoleSystem, systemReminder(note)))
		}
	}
	if a.cfg.TaskContext != "" && !a.taskContextSent {
		a.messages = append(a.messages, providers.NewMessage(providers.RoleSystem, taskContextReminder(a.cfg.TaskContext)))
		a.taskContextSent = true
	}
	a.messages = append(a.messages, providers.NewMessage(providers.RoleUser, userText))
	a.mu.Unlock()

	wd := a.startWatchdog()
	det := a.startDetector()
	defer func() {
		if wd != nil {
			wd.Stop()
		}
		det.Stop()
		a.mu.Lock()
		a.wd = nil
		a.cancelRun = nil
		a.mu.Unlock()
	}()

	a.bus.Emit(bus.Event{Type: bus.EventAgentStart, ParentID: a.parentCallID, Data: map[string]any{
		"agent_id": a.id, "kind": a.cfg.Kind, "depth": a.depth,
	}})

	turn := &turnState{
		start:   time.Now(),
		crossed: make(map[int]bool),
		called:  make(map[string]bool),
	}
	reply, err := a.runTurn(runCtx, wd, det, turn)

	if turn.parentPaused {
		a.parentWD.Resume(err == nil)
	}

	a.bus.Emit(bus.Event{Type: bus.EventAgentEnd, ParentID: a.parentCallID, Data: map[string]any{
		"agent_id": a.id, "kind": a.cfg.Kind, "depth": a.depth,
		"interrupted": errors.Is(err, ErrInterrupted),
	}})

	if a.OnIdle != nil {
		a.OnIdle()
	}
	a.runCleanups()
	return reply, err
}

func (a *Agent) runTurn(ctx context.Context, wd *watchdog.Watchdog, det *loopdetect.Detector, turn *turnState) (string, error) {
	for {
		if ctx.Err() != nil {
			return turn.lastContent, ErrInterrupted
		}
		a.flushPending()
		a.injectTimePressure(turn)

		det.Reset()
		hist := a.history()
		stepCtx, span := tracing.StartModelStep(ctx, a.client.Model(), len(hist))
		resp, err := a.client.Send(stepCtx, hist, a.sendOptions(det))
		if err != nil {
			tracing.EndWithError(span, err)
			return "", err
		}
		if resp.Usage != nil {
			a.addUsage(*resp.Usage)
			tracing.AddModelUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		span.End()

		if resp.Interrupted {
			if a.hasPending() {
				// An interjection or a reminder cancelled the step; the
				// queued message becomes the next iteration's input.
				continue
			}
			return turn.lastContent, ErrInterrupted
		}
		if resp.Err != "" {
			msg := resp.Err
			if resp.Suggestion != "" {
				msg += "; " + resp.Suggestion
			}
			return "", fmt.Errorf("model request failed: %s", msg)
		}
		if resp.ValidationFailed {
			// The broken calls stay out of history; pairing with results
			// must hold for every recorded assistant message.
			a.mu.Lock()
			a.messages = append(a.messages, providers.NewMessage(providers.RoleAssistant, resp.Content))
			a.mu.Unlock()
			a.queueReminder(validationReminder(resp.ValidationErrors))
			continue
		}

		content := SanitizeAssistantContent(resp.Content)

		if len(resp.ToolCalls) == 0 {
			if content == "" {
				turn.continuations++
				if turn.continuations > maxContinuations {
					slog.Warn("agent gave up after repeated empty responses", "agent_id", a.id)
					return turn.lastContent, nil
				}
				a.queueReminder(emptyResponseReminder)
				continue
			}
			a.appendAssistant(resp, content)
			turn.lastContent = content
			if missing := a.missingRequiredTools(turn); len(missing) > 0 && turn.reqRetries < requirementMaxRetries {
				turn.reqRetries++
				a.queueReminder(requirementsReminder(missing))
				continue
			}
			return content, nil
		}

		a.appendAssistant(resp, content)
		if content != "" {
			turn.lastContent = content
		}
		if interrupted := a.runToolCalls(ctx, resp.ToolCalls, wd, turn); interrupted {
			if a.hasPending() {
				continue
			}
			return turn.lastContent, ErrInterrupted
		}
	}
}

// runToolCalls executes the model's tool calls in order, appending each
// result to the conversation before the next call starts. It reports
// whether the turn was interrupted.
func (a *Agent) runToolCalls(ctx context.Context, calls []providers.ToolCall, wd *watchdog.Watchdog, turn *turnState) bool {
	for _, call := range calls {
		if a.parentWD != nil && !turn.parentPaused {
			a.parentWD.Pause()
			turn.parentPaused = true
		}

		callCtx, span := tracing.StartToolCall(ctx, call.Function.Name, call.ID)
		res := a.orch.Execute(withAgent(callCtx, a), call, tools.ExecOptions{
			ParentCallID: a.parentCallID,
			AgentKind:    a.cfg.Kind,
			AgentDepth:   a.depth,
		})
		if res.Success {
			span.End()
		} else {
			tracing.EndWithError(span, errors.New(res.Error))
		}
		a.appendToolResult(call, res)
		turn.called[call.Function.Name] = true

		if res.Success {
			if wd != nil {
				wd.RecordActivity()
			}
			a.mu.Lock()
			a.timeouts = 0
			a.mu.Unlock()
		}

		a.noteToolCall(call)

		if res.IsInterrupted() {
			a.queueReminder(interruptedReminder)
			return true
		}
	}
	return false
}

// noteToolCall updates the exploratory streak and the cycle window, queuing
// reminders as thresholds are crossed.
func (a *Agent) noteToolCall(call providers.ToolCall) {
	name := call.Function.Name
	t, err := a.registry.Get(name)
	if err != nil {
		return
	}
	meta := t.Meta()

	a.mu.Lock()
	switch {
	case meta.Exploratory:
		a.exploratory++
	case meta.BreaksExploratoryStreak:
		a.exploratory = 0
	}
	streak := a.exploratory
	cycling := a.cycle.observe(callSignature(call))
	a.mu.Unlock()

	switch streak {
	case exploratoryGentleThreshold:
		a.queueReminder(exploratoryGentleReminder)
	case exploratorySternThreshold:
		a.queueReminder(exploratorySternReminder)
	}
	if cycling {
		slog.Warn("tool call cycle detected", "agent_id", a.id, "tool", name)
		a.queueReminder(cycleReminder(name))
	}
}

func (a *Agent) missingRequiredTools(turn *turnState) []string {
	var missing []string
	for _, name := range a.cfg.RequiredTools {
		if !turn.called[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// injectTimePressure queues a reminder each time the consumed share of
// MaxDuration crosses a threshold, once per threshold per turn.
func (a *Agent) injectTimePressure(turn *turnState) {
	if a.cfg.MaxDuration <= 0 {
		return
	}
	elapsed := time.Since(turn.start)
	pct := int(elapsed * 100 / a.cfg.MaxDuration)
	for _, th := range []int{50, 75, 90, 100} {
		if pct >= th && !turn.crossed[th] {
			turn.crossed[th] = true
			a.queueReminder(timePressureReminder(th, a.cfg.MaxDuration-elapsed))
		}
	}
}

func (a *Agent) sendOptions(det *loopdetect.Detector) providers.SendOptions {
	return providers.SendOptions{
		Tools:  a.registry.Definitions(a.cfg.Kind),
		Stream: true,
		OnChunk: func(ch providers.StreamChunk) {
			if ch.Thinking != "" {
				a.bus.Emit(bus.Event{Type: bus.EventThoughtChunk, ParentID: a.parentCallID,
					Data: map[string]any{"agent_id": a.id, "text": ch.Thinking}})
			}
			if ch.Content != "" {
				a.bus.Emit(bus.Event{Type: bus.EventOutputChunk, ParentID: a.parentCallID,
					Data: map[string]any{"agent_id": a.id, "text": ch.Content}})
			}
			det.Feed(ch.Thinking + ch.Content)
		},
	}
}

// startWatchdog arms the per-turn activity watchdog. Root agents may opt
// out; delegated agents never do.
func (a *Agent) startWatchdog() *watchdog.Watchdog {
	if a.depth == 0 && a.cfg.DisableWatchdog {
		return nil
	}
	timeout := a.cfg.WatchdogTimeout
	if timeout <= 0 {
		timeout = watchdog.DefaultTimeout
	}
	wd := watchdog.New(watchdog.DefaultInterval, timeout, a.onActivityTimeout)
	wd.Start()
	a.mu.Lock()
	a.wd = wd
	a.mu.Unlock()
	return wd
}

// onActivityTimeout posts a continuation reminder and cancels the model
// step so the reminder is delivered. Consecutive timeouts beyond the
// continuation budget terminate the run instead.
func (a *Agent) onActivityTimeout() {
	a.mu.Lock()
	a.timeouts++
	n := a.timeouts
	a.mu.Unlock()

	if n > maxContinuations {
		slog.Warn("agent exceeded activity timeout budget", "agent_id", a.id, "timeouts", n)
		a.Interrupt("activity-timeout")
		return
	}
	slog.Info("activity timeout, nudging agent", "agent_id", a.id, "timeouts", n)
	a.queueReminder(activityTimeoutReminder)
	a.client.Cancel()
}

func (a *Agent) startDetector() *loopdetect.Detector {
	det := loopdetect.New(loopdetect.Config{
		OnDetected: func(d loopdetect.Detection) {
			slog.Warn("model output loop detected", "agent_id", a.id, "pattern", d.Pattern)
			a.queueReminder(thinkingLoopReminder(d.Pattern))
			a.client.Cancel()
		},
	})
	det.Start()
	return det
}

// AddUserInterjection delivers text from the user while a turn is running.
// It targets the deepest executing delegation when one exists, otherwise
// this agent.
func (a *Agent) AddUserInterjection(text string) {
	if act := a.DelegationTree().ActiveDelegation(); act != nil {
		slog.Info("routing interjection to delegated agent", "call_id", act.CallID, "depth", act.Depth)
		act.Agent.InjectUserMessage(text)
		act.Agent.Interrupt("interjection")
		return
	}
	a.InjectUserMessage(text)
	a.Interrupt("interjection")
}

// InjectUserMessage queues text as the next user message without cancelling
// anything.
func (a *Agent) InjectUserMessage(text string) {
	a.mu.Lock()
	a.pending = append(a.pending, providers.NewMessage(providers.RoleUser, text))
	a.mu.Unlock()
}

// Interrupt cancels the in-flight model step. For reasons other than an
// interjection it also cancels the run context and every in-flight tool
// call, ending the turn.
func (a *Agent) Interrupt(reason string) {
	slog.Info("agent interrupt", "agent_id", a.id, "reason", reason)
	a.client.Cancel()
	if reason == "interjection" {
		return
	}
	a.mu.Lock()
	cancel := a.cancelRun
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.orch.InterruptAll()
}

// Compact replaces the conversation with a model-written summary. The
// system prompt survives; the next turn continues from the summary.
func (a *Agent) Compact(ctx context.Context) (string, error) {
	hist := a.history()
	if len(hist) == 0 {
		return "", nil
	}

	req := append(hist, providers.NewMessage(providers.RoleUser,
		"Summarize the conversation so far for your own future reference. "+
			"Keep file paths, decisions, unfinished work, and anything you would need to continue. Reply with only the summary."))
	resp, err := a.client.Send(ctx, req, providers.SendOptions{})
	if err != nil {
		return "", fmt.Errorf("compact: %w", err)
	}
	if resp.Err != "" {
		return "", fmt.Errorf("compact: %s", resp.Err)
	}
	summary := SanitizeAssistantContent(resp.Content)
	if summary == "" {
		return "", errors.New("compact: model returned no summary")
	}

	a.mu.Lock()
	a.messages = nil
	a.taskContextSent = false
	a.exploratory = 0
	a.cycle = cycleWindow{}
	a.ensureSystemPromptLocked()
	a.messages = append(a.messages, providers.NewMessage(providers.RoleSystem,
		systemReminder("Conversation summary from before compaction:\n"+summary)))
	a.mu.Unlock()
	return summary, nil
}

// ClearHistory drops the conversation. The system prompt is rebuilt on the
// next SendMessage. Called on pool reuse.
func (a *Agent) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
	a.pending = nil
	a.taskContextSent = false
	a.exploratory = 0
	a.cycle = cycleWindow{}
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []providers.Message {
	return a.history()
}

// RestoreHistory replaces the conversation with a persisted one. The
// restored messages already carry their system prompt, so none is rebuilt.
func (a *Agent) RestoreHistory(msgs []providers.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]providers.Message(nil), msgs...)
	a.pending = nil
	a.taskContextSent = true
	a.exploratory = 0
	a.cycle = cycleWindow{}
}

// SetTaskContext replaces the task context injected on the next turn.
func (a *Agent) SetTaskContext(taskContext string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.TaskContext = taskContext
	a.taskContextSent = false
}

// AddCleanup registers housekeeping to run after the current turn.
func (a *Agent) AddCleanup(fn func()) {
	a.mu.Lock()
	a.cleanups = append(a.cleanups, fn)
	a.mu.Unlock()
}

// Cleanup releases the agent's resources. The agent is unusable afterwards.
func (a *Agent) Cleanup() {
	a.Interrupt("cleanup")
	a.client.Close()
}

// prepareDelegation binds this agent into a delegation: depth, the parent
// tool call for event attribution, and the parent's watchdog to pause once
// tools start running.
func (a *Agent) prepareDelegation(depth int, parentCallID string, parentWD *watchdog.Watchdog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.depth = depth
	a.parentCallID = parentCallID
	a.parentWD = parentWD
}

// currentWatchdog returns the watchdog of the turn in progress, if any.
func (a *Agent) currentWatchdog() *watchdog.Watchdog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wd
}

func (a *Agent) ensureSystemPromptLocked() {
	if len(a.messages) > 0 {
		return
	}
	prompt := a.cfg.SystemPrompt
	if guidance := a.registry.UsageGuidance(a.cfg.Kind); len(guidance) > 0 {
		prompt = strings.TrimSpace(prompt + "\n\n" + strings.Join(guidance, "\n"))
	}
	if prompt != "" {
		a.messages = append(a.messages, providers.NewMessage(providers.RoleSystem, prompt))
	}
	a.messages = append(a.messages, a.cfg.InitialMessages...)
}

func (a *Agent) history() []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]providers.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Agent) appendAssistant(resp *providers.LLMResponse, content string) {
	if content == "" {
		content = resp.Content
	}
	msg := providers.NewMessage(providers.RoleAssistant, content)
	msg.Thinking = resp.Thinking
	msg.ToolCalls = resp.ToolCalls
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	a.mu.Unlock()
}

func (a *Agent) appendToolResult(call providers.ToolCall, res *tools.Result) {
	msg := providers.NewMessage(providers.RoleTool, res.Encode())
	msg.ToolCallID = call.ID
	msg.Name = call.Function.Name
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	a.mu.Unlock()
}

func (a *Agent) queueReminder(text string) {
	a.mu.Lock()
	a.pending = append(a.pending, providers.NewMessage(providers.RoleSystem, systemReminder(text)))
	a.mu.Unlock()
}

func (a *Agent) flushPending() {
	a.mu.Lock()
	a.messages = append(a.messages, a.pending...)
	a.pending = nil
	a.mu.Unlock()
}

func (a *Agent) hasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) > 0
}

func (a *Agent) addUsage(u providers.Usage) {
	a.mu.Lock()
	a.usage.PromptTokens += u.PromptTokens
	a.usage.CompletionTokens += u.CompletionTokens
	a.usage.TotalTokens += u.TotalTokens
	a.mu.Unlock()
}

func (a *Agent) runCleanups() {
	a.mu.Lock()
	fns := a.cleanups
	a.cleanups = nil
	a.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// agentCtxKey carries the calling agent through tool execution so the
// delegation layer can reach the parent without an import cycle.
type agentCtxKey struct{}

func withAgent(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, a)
}

func agentFromCtx(ctx context.Context) *Agent {
	a, _ := ctx.Value(agentCtxKey{}).(*Agent)
	return a
}
