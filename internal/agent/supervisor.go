package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/allydev/ally/internal/background"
	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/permissions"
	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/tools"
)

// Deps carries everything needed to assemble agents. NewRegistry builds a
// fresh tool registry per agent; registries are not shared because each
// holds its own delegation tree.
type Deps struct {
	Bus         *bus.ActivityBus
	Perms       *permissions.Broker
	NewClient   func() *providers.Client
	NewRegistry func(d tools.Delegator) *tools.Registry
	Background  *background.AgentSupervisor

	// Kinds maps agent kind to its configuration template.
	Kinds map[string]Config

	// PoolMax overrides the pool size; 0 means DefaultPoolMax.
	PoolMax int
}

// Supervisor owns the agent pool and serves delegation requests from the
// agent tool. It implements tools.Delegator.
type Supervisor struct {
	deps Deps
	pool *Pool

	kindsMu sync.RWMutex
	kinds   map[string]Config
}

func NewSupervisor(deps Deps) *Supervisor {
	s := &Supervisor{deps: deps, kinds: make(map[string]Config, len(deps.Kinds))}
	for k, cfg := range deps.Kinds {
		s.kinds[k] = cfg
	}
	s.pool = NewPool(deps.PoolMax, s.Build)
	return s
}

// RegisterKind adds or replaces a delegatable agent kind. Plugin
// activation registers its agents this way.
func (s *Supervisor) RegisterKind(name string, cfg Config) {
	s.kindsMu.Lock()
	defer s.kindsMu.Unlock()
	s.kinds[name] = cfg
}

// UnregisterKind removes a kind. Pooled instances are evicted separately
// via Pool().EvictPluginAgents.
func (s *Supervisor) UnregisterKind(name string) {
	s.kindsMu.Lock()
	defer s.kindsMu.Unlock()
	delete(s.kinds, name)
}

// Pool exposes the underlying agent pool.
func (s *Supervisor) Pool() *Pool { return s.pool }

// Build assembles a standalone agent for cfg: own client, own registry,
// own orchestrator.
func (s *Supervisor) Build(cfg Config) *Agent {
	reg := s.deps.NewRegistry(s)
	orch := tools.NewOrchestrator(reg, s.deps.Bus, s.deps.Perms)
	return New(cfg, s.deps.NewClient(), reg, orch, s.deps.Bus)
}

// AgentKinds lists the delegatable kinds, sorted.
func (s *Supervisor) AgentKinds() []string {
	s.kindsMu.RLock()
	defer s.kindsMu.RUnlock()
	kinds := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Delegate leases a pooled agent for the request and runs it, either
// synchronously or as a background task. The child registers in the
// parent's delegation tree so interjections can reach it.
func (s *Supervisor) Delegate(ctx context.Context, req tools.DelegateRequest) tools.DelegateOutcome {
	s.kindsMu.RLock()
	cfg, ok := s.kinds[req.AgentKind]
	s.kindsMu.RUnlock()
	if !ok {
		return tools.DelegateOutcome{Err: fmt.Errorf("unknown agent kind %q", req.AgentKind)}
	}

	parent := agentFromCtx(ctx)
	lease := s.pool.Acquire(cfg)
	child := lease.Agent

	if req.Background {
		// Fire-and-forget tasks are not registered for interjection
		// routing; they are managed through the background supervisor.
		child.prepareDelegation(req.Depth+1, req.CallID, nil)
		task := s.deps.Background.Start(req.Prompt, func(bgCtx context.Context, _ func(string)) (string, error) {
			answer, err := child.SendMessage(bgCtx, req.Prompt)
			if err != nil {
				return "", err
			}
			return answer, nil
		}, lease.Release)
		slog.Info("started background delegation", "task_id", task.ID, "kind", req.AgentKind)
		return tools.DelegateOutcome{TaskID: task.ID}
	}

	if parent != nil {
		child.prepareDelegation(req.Depth+1, req.CallID, parent.currentWatchdog())
		parent.DelegationTree().Register(req.CallID, "agent", child)
	} else {
		child.prepareDelegation(req.Depth+1, req.CallID, nil)
	}

	answer, err := child.SendMessage(ctx, req.Prompt)

	if parent != nil {
		tree := parent.DelegationTree()
		tree.TransitionToCompleting(req.CallID)
		tree.Clear(req.CallID)
	}
	lease.Release()

	switch {
	case errors.Is(err, ErrInterrupted):
		return tools.DelegateOutcome{Interrupted: true}
	case err != nil:
		return tools.DelegateOutcome{Err: err}
	}
	return tools.DelegateOutcome{Answer: answer}
}

// Shutdown kills background tasks and releases the pool.
func (s *Supervisor) Shutdown() {
	if s.deps.Background != nil {
		s.deps.Background.Shutdown()
	}
	s.pool.Cleanup()
}
