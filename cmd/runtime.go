package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/allydev/ally/internal/agent"
	"github.com/allydev/ally/internal/background"
	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/command"
	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/internal/gateway"
	"github.com/allydev/ally/internal/patch"
	"github.com/allydev/ally/internal/permissions"
	"github.com/allydev/ally/internal/plugins"
	"github.com/allydev/ally/internal/project"
	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/readstate"
	"github.com/allydev/ally/internal/registry"
	"github.com/allydev/ally/internal/store"
	"github.com/allydev/ally/internal/store/file"
	"github.com/allydev/ally/internal/store/pg"
	"github.com/allydev/ally/internal/store/sqlite"
	"github.com/allydev/ally/internal/tools"
	"github.com/allydev/ally/internal/tracing"
)

const rootSystemPrompt = `You are Ally, a pair-programming assistant running in the user's terminal.
You work on the user's codebase with the provided tools: read and edit files,
search, run shell commands, and delegate self-contained tasks to sub-agents.
Be direct and concrete. Prefer small verifiable steps. Never invent file
contents; read before you edit.`

// builtinKinds are the delegatable sub-agent kinds available without
// plugins.
func builtinKinds(watchdogTimeout time.Duration) map[string]agent.Config {
	return map[string]agent.Config{
		"general": {
			Kind: "general",
			SystemPrompt: "You are a software engineering sub-agent. Complete the delegated task " +
				"fully and reply with a concise, self-contained result.",
			WatchdogTimeout: watchdogTimeout,
		},
		"explorer": {
			Kind: "explorer",
			SystemPrompt: "You are a read-only exploration sub-agent. Answer the question using " +
				"read, grep, glob, and ls. Do not modify files or run state-changing commands.",
			WatchdogTimeout: watchdogTimeout,
		},
	}
}

// runtime is the assembled process: one root agent, supervisors, stores,
// and the optional gateway and tracer.
type runtime struct {
	cfg      *config.Config
	services *registry.Registry

	bus     *bus.ActivityBus
	perms   *permissions.Broker
	shells  *background.ShellSupervisor
	tasks   *background.AgentSupervisor
	plugins *plugins.Manager
	todos   *tools.TodoStore
	tracker *readstate.Tracker
	journal *patch.Journal

	sup  *agent.Supervisor
	root *agent.Agent

	store      store.SessionStore
	dispatcher *command.Dispatcher
	tracer     *tracing.Provider
	gateway    *gateway.Server

	rootClient *providers.Client

	projectMu  sync.Mutex
	projectCtx string

	cancel context.CancelFunc
}

// buildRuntime wires the process from a loaded config. stdin/stdout are the
// terminal; permission asks and the REPL share stdin.
func buildRuntime(ctx context.Context, cfg *config.Config, stdin *bufio.Reader, autoConfirm bool) (*runtime, error) {
	snap := cfg.Snapshot()
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		services: registry.New(),
		bus:      bus.New(),
		shells:   background.NewShellSupervisor(),
		tasks:    background.NewAgentSupervisor(),
		plugins:  plugins.NewManager(),
		todos:    tools.NewTodoStore(),
		tracker:  readstate.New(),
		journal:  patch.New(0, 0),
	}

	ctx, rt.cancel = context.WithCancel(ctx)

	// Permission broker: terminal asker unless auto-confirm is on.
	asker := newTerminalAsker(stdin, os.Stderr)
	rt.perms = permissions.NewBroker(asker,
		permissions.WithAutoConfirm(autoConfirm || snap.Permissions.AutoConfirm),
		permissions.WithAllowPatterns(snap.Permissions.Allow))

	// Model clients: one per agent, built from the live config.
	newClient := func() *providers.Client {
		s := cfg.Snapshot()
		return providers.NewClient(providers.Config{
			Endpoint:    s.Model.Endpoint,
			Model:       s.Model.Name,
			Temperature: s.Model.Temperature,
			NumCtx:      s.Model.ContextSize,
			NumPredict:  s.Model.MaxTokens,
			Think:       s.Model.ReasoningEffort,
			Retry:       retryConfig(s.Model),
		})
	}

	watchdogTimeout := time.Duration(snap.Agent.WatchdogTimeoutSec) * time.Second
	newRegistry := func(d tools.Delegator) *tools.Registry {
		reg := tools.NewRegistry()
		for _, t := range tools.NewFileTools(workDir, false, rt.tracker, rt.journal).All() {
			reg.Register(t)
		}
		for _, t := range tools.NewSearchTools(workDir, false).All() {
			reg.Register(t)
		}
		reg.Register(tools.NewShellTool(workDir, rt.shells))
		reg.Register(tools.NewBashOutputTool(rt.shells, rt.tasks))
		reg.Register(tools.NewTodoWriteTool(rt.todos))
		reg.Register(tools.NewAgentTool(d))
		return reg
	}

	rt.sup = agent.NewSupervisor(agent.Deps{
		Bus:         rt.bus,
		Perms:       rt.perms,
		NewClient:   newClient,
		NewRegistry: newRegistry,
		Background:  rt.tasks,
		Kinds:       builtinKinds(watchdogTimeout),
		PoolMax:     snap.Agent.PoolMax,
	})

	rt.root = rt.sup.Build(agent.Config{
		Kind:            "main",
		SystemPrompt:    rootSystemPrompt,
		DisableWatchdog: snap.Agent.DisableWatchdog,
		WatchdogTimeout: watchdogTimeout,
	})
	rt.rootClient = rt.root.Client()
	rt.root.PluginHook = rt.plugins.ActivationNote

	// Plugin activation registers the plugin's agent kinds; deactivation
	// removes them and evicts pooled instances.
	rt.plugins.OnActivate = func(m *plugins.Manifest) {
		for _, a := range m.Agents {
			rt.sup.RegisterKind(a.Name, agent.Config{
				Kind:            a.Name,
				SystemPrompt:    a.SystemPrompt,
				PoolKey:         m.AgentPoolKey(a),
				Specialized:     true,
				WatchdogTimeout: watchdogTimeout,
			})
		}
	}
	rt.plugins.OnDeactivate = func(m *plugins.Manifest) {
		for _, a := range m.Agents {
			rt.sup.UnregisterKind(a.Name)
		}
		rt.sup.Pool().EvictPluginAgents(m.Name)
	}
	pluginsDir := filepath.Join(config.ProfileDir(snap.Profile), "plugins")
	if err := rt.plugins.LoadAll(pluginsDir); err != nil {
		slog.Warn("plugin load failed", "dir", pluginsDir, "error", err)
	}

	rt.store, err = openSessionStore(ctx, snap.Sessions)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.tracer, err = tracing.Setup(ctx, snap.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
	}

	rt.dispatcher = command.New(command.Deps{
		Root:          rt.root,
		Supervisor:    rt.sup,
		Client:        rt.rootClient,
		Shells:        rt.shells,
		Tasks:         rt.tasks,
		Plugins:       rt.plugins,
		Config:        cfg,
		OnModelChange: rt.switchModel,
		DetectProject: rt.detectProject,
		ProjectContext: func() string {
			rt.projectMu.Lock()
			defer rt.projectMu.Unlock()
			return rt.projectCtx
		},
	})

	if snap.Gateway.Enabled {
		rt.gateway = gateway.New(snap.Gateway, rt.bus, rt.dispatcher)
		go func() {
			if err := rt.gateway.Start(ctx); err != nil {
				slog.Error("gateway stopped", "error", err)
			}
		}()
	}

	// Process-wide services, resolvable by type from sub-components.
	registry.Set[*bus.ActivityBus](rt.services, rt.bus)
	registry.Set[*permissions.Broker](rt.services, rt.perms)
	registry.Set[store.SessionStore](rt.services, rt.store)
	registry.Set[*plugins.Manager](rt.services, rt.plugins)
	registry.Set[*tools.TodoStore](rt.services, rt.todos)

	return rt, nil
}

func retryConfig(m config.ModelConfig) providers.RetryConfig {
	rc := providers.DefaultRetryConfig()
	if m.MaxRetries > 0 {
		rc.MaxRetries = m.MaxRetries
	}
	if m.BaseTimeoutSec > 0 {
		rc.BaseTimeout = time.Duration(m.BaseTimeoutSec) * time.Second
	}
	return rc
}

func openSessionStore(ctx context.Context, sc config.SessionsConfig) (store.SessionStore, error) {
	switch sc.Backend {
	case "", "file":
		return file.New(config.ExpandHome(sc.Dir))
	case "sqlite":
		return sqlite.New(config.ExpandHome(sc.Path))
	case "postgres":
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend selected but ALLY_POSTGRES_DSN is not set")
		}
		return pg.New(ctx, sc.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown session backend %q", sc.Backend)
	}
}

func (rt *runtime) switchModel(name string) error {
	rt.rootClient.SetModel(name)
	rt.cfg.ReplaceFrom(updatedModel(rt.cfg, name))
	slog.Info("model switched", "model", name)
	return nil
}

func updatedModel(cfg *config.Config, name string) *config.Config {
	snap := cfg.Snapshot()
	snap.Model.Name = name
	return &snap
}

func (rt *runtime) detectProject(ctx context.Context) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	pc, err := project.Detect(wd)
	if err != nil {
		return "", err
	}
	rt.projectMu.Lock()
	rt.projectCtx = pc
	rt.projectMu.Unlock()
	return pc, nil
}

func (rt *runtime) setProjectContext(pc string) {
	rt.projectMu.Lock()
	rt.projectCtx = pc
	rt.projectMu.Unlock()
}

// Close tears the runtime down in dependency order.
func (rt *runtime) Close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.sup != nil {
		rt.sup.Shutdown()
	}
	if rt.shells != nil {
		rt.shells.Shutdown()
	}
	if rt.root != nil {
		rt.root.Cleanup()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("session store close failed", "error", err)
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(context.Background()); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}
	rt.bus.Close()
}

// terminalAsker prompts for tool confirmation on the terminal.
type terminalAsker struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalAsker(in *bufio.Reader, out io.Writer) *terminalAsker {
	return &terminalAsker{in: in, out: out}
}

func (t *terminalAsker) AskPermission(ctx context.Context, req permissions.Request) (permissions.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s wants to run: %s\nAllow? [y]es / [n]o / [a]lways: ", req.ToolName, req.Summary)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out, "(request timed out)")
		return permissions.Response{}, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return permissions.Response{}, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return permissions.Response{Approved: true}, nil
		case "a", "always":
			return permissions.Response{Approved: true, AlwaysAllow: true}, nil
		default:
			return permissions.Response{}, nil
		}
	}
}
