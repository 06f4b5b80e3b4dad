package background

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// AgentStatus describes the lifecycle of a background agent task.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentDone    AgentStatus = "done"
	AgentFailed  AgentStatus = "failed"
	AgentKilled  AgentStatus = "killed"
)

// RunFunc executes the delegated task. It streams progress through emit and
// returns the final answer. Cancellation arrives through ctx.
type RunFunc func(ctx context.Context, emit func(line string)) (string, error)

// AgentTask is one fire-and-forget delegation. The underlying agent is a
// pooled lease held for the lifetime of the task; its output aggregates
// into the buffer so late polls see the full history.
type AgentTask struct {
	ID      string
	Prompt  string
	Started time.Time

	buf    *LineRing
	cancel context.CancelFunc

	mu     sync.Mutex
	status AgentStatus
	errMsg string
}

// Status returns the current status and, for failures, the error text.
func (t *AgentTask) Status() (AgentStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.errMsg
}

// Output returns up to n of the most recent buffered lines.
func (t *AgentTask) Output(n int, filter *regexp.Regexp) []string {
	return t.buf.Tail(n, filter)
}

// AgentSupervisor owns the background agent tasks of the process.
type AgentSupervisor struct {
	mu    sync.Mutex
	tasks map[string]*AgentTask
}

func NewAgentSupervisor() *AgentSupervisor {
	return &AgentSupervisor{tasks: make(map[string]*AgentTask)}
}

// Start launches run in the background and returns the task immediately.
// release is invoked exactly once when the task finishes, however it ends;
// callers use it to return the pooled agent lease.
func (s *AgentSupervisor) Start(prompt string, run RunFunc, release func()) *AgentTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &AgentTask{
		ID:      newID("bg-agent"),
		Prompt:  prompt,
		Started: time.Now(),
		buf:     NewLineRing(DefaultRingCapacity),
		cancel:  cancel,
		status:  AgentRunning,
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	go func() {
		defer func() {
			if release != nil {
				release()
			}
		}()
		answer, err := run(ctx, task.buf.Append)
		task.mu.Lock()
		defer task.mu.Unlock()
		switch {
		case task.status == AgentKilled:
			// Kill already set the terminal state.
		case err != nil:
			task.status = AgentFailed
			task.errMsg = err.Error()
		default:
			task.status = AgentDone
		}
		if answer != "" {
			task.buf.Append(answer)
		}
		slog.Info("background agent finished", "id", task.ID, "status", task.status)
	}()
	return task
}

// Get returns the task by ID.
func (s *AgentSupervisor) Get(id string) (*AgentTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns every known task.
func (s *AgentSupervisor) List() []*AgentTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AgentTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Kill cancels the task's context, which interrupts its model client and
// loop. The output buffer is retained.
func (s *AgentSupervisor) Kill(id string) error {
	t, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("unknown background agent: %s", id)
	}
	t.mu.Lock()
	if t.status == AgentRunning {
		t.status = AgentKilled
	}
	t.mu.Unlock()
	t.cancel()
	return nil
}

// Shutdown kills every running task.
func (s *AgentSupervisor) Shutdown() {
	for _, t := range s.List() {
		_ = s.Kill(t.ID)
	}
}
