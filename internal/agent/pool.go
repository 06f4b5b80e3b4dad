package agent

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pool size defaults. The larger cap applies when nested delegation is
// enabled, since every level of the tree leases from the same pool.
const (
	DefaultPoolMax = 5
	NestedPoolMax  = 15
)

type poolEntry struct {
	agent          *Agent
	inUse          bool
	useCount       int
	lastAccessedAt time.Time
	poolKey        string
	specialized    bool
}

// Pool reuses idle agents across delegations. Matching is by pool key when
// both sides carry one, otherwise by the specialized flag; reservation is
// atomic so concurrent acquires never share a lease.
type Pool struct {
	mu        sync.Mutex
	max       int
	entries   map[string]*poolEntry
	acquiring map[string]struct{}
	build     func(Config) *Agent
}

// Lease is one acquired agent. Release must be called when the delegation
// finishes; it is idempotent.
type Lease struct {
	Agent   *Agent
	AgentID string

	once    sync.Once
	release func()
}

func (l *Lease) Release() {
	l.once.Do(l.release)
}

// NewPool creates a pool that builds missing agents with build.
func NewPool(max int, build func(Config) *Agent) *Pool {
	if max <= 0 {
		max = DefaultPoolMax
	}
	return &Pool{
		max:       max,
		entries:   make(map[string]*poolEntry),
		acquiring: make(map[string]struct{}),
		build:     build,
	}
}

// Acquire returns an agent for cfg, reusing an idle matching one when
// possible. Configs with initial messages always get a fresh agent so
// preloaded context cannot leak across tasks.
func (p *Pool) Acquire(cfg Config) *Lease {
	if len(cfg.InitialMessages) == 0 {
		if lease := p.tryReuse(cfg); lease != nil {
			return lease
		}
	}
	return p.create(cfg)
}

// tryReuse scans for an idle matching entry. The id enters the acquiring
// set in the same critical section that selects it, which is what prevents
// a double lease; the reset work then runs outside the lock.
func (p *Pool) tryReuse(cfg Config) *Lease {
	p.mu.Lock()
	var id string
	var entry *poolEntry
	for eid, e := range p.entries {
		if e.inUse {
			continue
		}
		if _, busy := p.acquiring[eid]; busy {
			continue
		}
		if matches(e, cfg) {
			id, entry = eid, e
			break
		}
	}
	if entry == nil {
		p.mu.Unlock()
		return nil
	}
	p.acquiring[id] = struct{}{}
	p.mu.Unlock()

	// Stale sub-agent routing and the previous task's conversation must not
	// survive into the new lease.
	entry.agent.DelegationTree().ClearAll()
	entry.agent.ClearHistory()

	p.mu.Lock()
	entry.inUse = true
	entry.useCount++
	entry.lastAccessedAt = time.Now()
	uses := entry.useCount
	delete(p.acquiring, id)
	p.mu.Unlock()

	slog.Debug("reusing pooled agent", "agent_id", id, "kind", cfg.Kind, "use_count", uses)
	return p.lease(id, entry.agent)
}

func (p *Pool) create(cfg Config) *Lease {
	p.mu.Lock()
	var evict *Agent
	if len(p.entries) >= p.max {
		if id := p.lruEvictableLocked(); id != "" {
			evict = p.entries[id].agent
			delete(p.entries, id)
		} else {
			slog.Warn("agent pool full with all entries in use, exceeding cap", "size", len(p.entries), "max", p.max)
		}
	}
	p.mu.Unlock()

	if evict != nil {
		evict.Cleanup()
	}

	a := p.build(cfg)
	entry := &poolEntry{
		agent:          a,
		inUse:          true,
		useCount:       1,
		lastAccessedAt: time.Now(),
		poolKey:        cfg.PoolKey,
		specialized:    cfg.Specialized,
	}
	p.mu.Lock()
	p.entries[a.ID()] = entry
	p.mu.Unlock()

	slog.Debug("created pooled agent", "agent_id", a.ID(), "kind", cfg.Kind)
	return p.lease(a.ID(), a)
}

func (p *Pool) lease(id string, a *Agent) *Lease {
	return &Lease{
		Agent:   a,
		AgentID: id,
		release: func() { p.Release(id) },
	}
}

// Release returns an agent to the pool.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.inUse = false
		e.lastAccessedAt = time.Now()
	}
}

// lruEvictableLocked picks the least recently used entry that is neither
// leased nor being acquired.
func (p *Pool) lruEvictableLocked() string {
	ids := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		if _, busy := p.acquiring[id]; busy {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.entries[ids[i]].lastAccessedAt.Before(p.entries[ids[j]].lastAccessedAt)
	})
	return ids[0]
}

// matches applies the reuse rules: two pool keys must be equal, a single
// pool key never matches, and keyless entries match on the specialized
// flag.
func matches(e *poolEntry, cfg Config) bool {
	switch {
	case e.poolKey != "" && cfg.PoolKey != "":
		return e.poolKey == cfg.PoolKey
	case e.poolKey != "" || cfg.PoolKey != "":
		return false
	default:
		return e.specialized == cfg.Specialized
	}
}

// EvictPluginAgents removes idle agents whose pool key belongs to the named
// plugin, used when a plugin is uninstalled or reloaded.
func (p *Pool) EvictPluginAgents(plugin string) {
	prefix := "plugin-" + plugin + "-"

	p.mu.Lock()
	var evicted []*Agent
	for id, e := range p.entries {
		if e.inUse || !strings.HasPrefix(e.poolKey, prefix) {
			continue
		}
		evicted = append(evicted, e.agent)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, a := range evicted {
		a.Cleanup()
	}
	if len(evicted) > 0 {
		slog.Info("evicted plugin agents", "plugin", plugin, "count", len(evicted))
	}
}

// Size returns the number of pooled entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Cleanup releases every pooled agent concurrently.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	agents := make([]*Agent, 0, len(p.entries))
	for _, e := range p.entries {
		agents = append(agents, e.agent)
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Cleanup()
		}(a)
	}
	wg.Wait()
}
