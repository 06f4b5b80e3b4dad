// Package delegation tracks live parent-to-child agent delegations so user
// interjections can be routed to the deepest agent that is actually doing
// work right now.
package delegation

import (
	"sync"
	"time"
)

// MaxRecursionDepth bounds the deepest-executing search. Delegation chains
// past this depth are unroutable rather than a stack risk.
const MaxRecursionDepth = 4

// State of one delegation context. Only executing contexts are routable;
// completing ones are finishing up and must not receive interjections.
type State string

const (
	StateExecuting  State = "executing"
	StateCompleting State = "completing"
)

// AgentNode is the slice of an agent the tree needs for routing. Every
// level of the hierarchy exposes the same Tree type, so the search descends
// with plain calls instead of reflection.
type AgentNode interface {
	DelegationTree() *Tree
	InjectUserMessage(text string)
	Interrupt(reason string)
}

// Context is one registered delegation, keyed by the tool-call ID.
type Context struct {
	CallID       string
	ToolName     string
	Agent        AgentNode
	State        State
	RegisteredAt time.Time
}

// Active is the routing result: the deepest executing context found.
type Active struct {
	CallID   string
	ToolName string
	Agent    AgentNode
	Depth    int
}

// Tree holds the delegation contexts of one agent level.
type Tree struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

func NewTree() *Tree {
	return &Tree{contexts: make(map[string]*Context)}
}

// Register records a new executing delegation for the given tool call.
func (t *Tree) Register(callID, toolName string, agent AgentNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[callID] = &Context{
		CallID:       callID,
		ToolName:     toolName,
		Agent:        agent,
		State:        StateExecuting,
		RegisteredAt: time.Now(),
	}
}

// TransitionToCompleting marks the context unroutable while the child
// finishes. Unknown IDs are ignored.
func (t *Tree) TransitionToCompleting(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.contexts[callID]; ok {
		c.State = StateCompleting
	}
}

// Clear removes one context.
func (t *Tree) Clear(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contexts, callID)
}

// ClearAll drops every context. Called when a pooled agent is reused so
// interjections never route to a previous task's sub-agents.
func (t *Tree) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts = make(map[string]*Context)
}

// Len returns the number of registered contexts.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// executingSnapshot copies the executing contexts so the search never holds
// more than one tree lock at a time.
func (t *Tree) executingSnapshot() []*Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Context, 0, len(t.contexts))
	for _, c := range t.contexts {
		if c.State == StateExecuting {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out
}

// ActiveDelegation returns the deepest executing delegation reachable from
// this tree, bounded by MaxRecursionDepth. Ties at equal depth go to the
// most recently registered context. Returns nil when nothing is executing.
func (t *Tree) ActiveDelegation() *Active {
	best, _ := deepest(t, 1)
	return best
}

func deepest(t *Tree, depth int) (*Active, time.Time) {
	if t == nil || depth > MaxRecursionDepth {
		return nil, time.Time{}
	}
	var best *Active
	var bestAt time.Time
	for _, c := range t.executingSnapshot() {
		cand := &Active{CallID: c.CallID, ToolName: c.ToolName, Agent: c.Agent, Depth: depth}
		candAt := c.RegisteredAt
		if c.Agent != nil {
			if sub, subAt := deepest(c.Agent.DelegationTree(), depth+1); sub != nil {
				cand, candAt = sub, subAt
			}
		}
		if best == nil || cand.Depth > best.Depth ||
			(cand.Depth == best.Depth && candAt.After(bestAt)) {
			best, bestAt = cand, candAt
		}
	}
	return best, bestAt
}
