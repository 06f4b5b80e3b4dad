// Package command implements the slash-command surface. The dispatcher is
// a façade over the runtime cores: it parses one line, runs the matching
// operation, and returns text for the UI. Non-command input is forwarded
// to the running agent as an interjection.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/allydev/ally/internal/agent"
	"github.com/allydev/ally/internal/background"
	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/internal/plugins"
	"github.com/allydev/ally/internal/providers"
)

// Exit codes for single-shot runs.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// usageError marks bad command syntax: exit code 2 instead of 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// Deps wires the dispatcher to the cores it fronts. Optional fields may be
// nil; the matching commands then report themselves unavailable.
type Deps struct {
	Root       *agent.Agent
	Supervisor *agent.Supervisor
	Client     *providers.Client
	Shells     *background.ShellSupervisor
	Tasks      *background.AgentSupervisor
	Plugins    *plugins.Manager
	Config     *config.Config

	// OnModelChange applies a model switch; the host rebuilds clients.
	OnModelChange func(name string) error

	// DetectProject runs project-context detection for /project init.
	// Detection itself lives with the UI collaborator.
	DetectProject func(ctx context.Context) (string, error)

	// ProjectContext returns the cached project description for /project view.
	ProjectContext func() string
}

// Dispatcher parses and runs slash commands.
type Dispatcher struct {
	deps Deps
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// IsCommand reports whether the line addresses the dispatcher.
func IsCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

// HandleInput routes one line of user input: slash commands dispatch,
// anything else becomes an interjection for the running agent.
func (d *Dispatcher) HandleInput(ctx context.Context, text string) (string, error) {
	if IsCommand(text) {
		return d.Dispatch(ctx, text)
	}
	if d.deps.Root == nil {
		return "", fmt.Errorf("no agent to receive input")
	}
	d.deps.Root.AddUserInterjection(text)
	return "", nil
}

// Run dispatches and maps the result to a process exit code for
// single-shot invocations.
func (d *Dispatcher) Run(ctx context.Context, line string) (string, int) {
	out, err := d.Dispatch(ctx, line)
	if err == nil {
		return out, ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return err.Error(), ExitUsage
	}
	return err.Error(), ExitError
}

// Dispatch parses one slash-command line and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", usagef("not a command: %q", line)
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		return d.help(), nil
	case "/model":
		return d.model(ctx, args)
	case "/plugin":
		return d.plugin(args)
	case "/task":
		return d.task(args)
	case "/project":
		return d.project(ctx, args)
	case "/clear":
		return d.clear()
	case "/compact":
		return d.compact(ctx)
	case "/agent":
		return d.agent(args)
	case "/debug":
		return d.debug(), nil
	default:
		return "", usagef("unknown command %s, try /help", cmd)
	}
}

func (d *Dispatcher) help() string {
	return strings.TrimSpace(`
/help                                  show this help
/model [name]                          list models or switch to one
/plugin list|show|config|activate|deactivate|active
/task list                             list background tasks and shells
/task kill <id>                        kill a background task or shell
/project init|view                     manage the project context
/clear                                 drop the conversation history
/compact                               summarize and shrink the history
/agent list                            list delegatable agent kinds
/debug                                 dump runtime state
`)
}

func (d *Dispatcher) model(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		if d.deps.Client == nil {
			return "", fmt.Errorf("model client unavailable")
		}
		models, err := d.deps.Client.ListModels(ctx)
		if err != nil {
			return "", fmt.Errorf("list models: %w", err)
		}
		current := d.deps.Client.Model()
		var b strings.Builder
		for _, m := range models {
			marker := "  "
			if m.Name == current {
				marker = "* "
			}
			fmt.Fprintf(&b, "%s%s\n", marker, m.Name)
		}
		if b.Len() == 0 {
			return "no models available at " + d.deps.Client.Endpoint(), nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	name := args[len(args)-1]
	if d.deps.OnModelChange == nil {
		return "", fmt.Errorf("model switching unavailable")
	}
	if err := d.deps.OnModelChange(name); err != nil {
		return "", fmt.Errorf("switch model: %w", err)
	}
	return "switched to " + name, nil
}

func (d *Dispatcher) plugin(args []string) (string, error) {
	if d.deps.Plugins == nil {
		return "", fmt.Errorf("plugins unavailable")
	}
	if len(args) == 0 {
		return "", usagef("usage: /plugin {list|show|config|activate|deactivate|active}")
	}
	mgr := d.deps.Plugins

	switch args[0] {
	case "list":
		var lines []string
		for _, p := range mgr.List() {
			state := "inactive"
			if mgr.IsActive(p.Name) {
				state = "active"
			}
			lines = append(lines, fmt.Sprintf("%s (%s, %s)", p.Name, p.Mode(), state))
		}
		if len(lines) == 0 {
			return "no plugins installed", nil
		}
		return strings.Join(lines, "\n"), nil

	case "active":
		names := mgr.ActiveNames()
		if len(names) == 0 {
			return "no active plugins", nil
		}
		return strings.Join(names, "\n"), nil

	case "show", "config":
		if len(args) < 2 {
			return "", usagef("usage: /plugin %s <name>", args[0])
		}
		p, ok := mgr.Get(args[1])
		if !ok {
			return "", fmt.Errorf("unknown plugin %q", args[1])
		}
		if args[0] == "config" {
			if len(p.Config) == 0 {
				return "plugin has no config", nil
			}
			return string(p.Config), nil
		}
		return describePlugin(p), nil

	case "activate":
		if len(args) < 2 {
			return "", usagef("usage: /plugin activate <name>")
		}
		if err := mgr.Activate(args[1]); err != nil {
			return "", err
		}
		return "activated " + args[1], nil

	case "deactivate":
		if len(args) < 2 {
			return "", usagef("usage: /plugin deactivate <name>")
		}
		if err := mgr.Deactivate(args[1]); err != nil {
			return "", err
		}
		return "deactivated " + args[1], nil

	case "install", "uninstall":
		return "", fmt.Errorf("plugin %s is handled by the plugin manager CLI, not the chat session", args[0])

	default:
		return "", usagef("unknown /plugin subcommand %q", args[0])
	}
}

func describePlugin(p *plugins.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", p.Name, p.Version)
	if p.Author != "" {
		fmt.Fprintf(&b, " by %s", p.Author)
	}
	b.WriteString("\n")
	if p.Description != "" {
		fmt.Fprintf(&b, "%s\n", p.Description)
	}
	if len(p.Tools) > 0 {
		names := make([]string, len(p.Tools))
		for i, t := range p.Tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, "tools: %s\n", strings.Join(names, ", "))
	}
	if len(p.Agents) > 0 {
		names := make([]string, len(p.Agents))
		for i, a := range p.Agents {
			names[i] = a.Name
		}
		fmt.Fprintf(&b, "agents: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "activation: %s", p.Mode())
	return b.String()
}

func (d *Dispatcher) task(args []string) (string, error) {
	if len(args) == 0 {
		return "", usagef("usage: /task {list|kill <id>}")
	}
	switch args[0] {
	case "list":
		var lines []string
		if d.deps.Tasks != nil {
			for _, t := range d.deps.Tasks.List() {
				status, errMsg := t.Status()
				line := fmt.Sprintf("%s  %s  %s", t.ID, status, truncate(t.Prompt, 60))
				if errMsg != "" {
					line += "  (" + errMsg + ")"
				}
				lines = append(lines, line)
			}
		}
		if d.deps.Shells != nil {
			for _, sh := range d.deps.Shells.List() {
				status, code := sh.Status()
				line := fmt.Sprintf("%s  %s  %s", sh.ID, status, truncate(sh.Command, 60))
				if code != nil {
					line += fmt.Sprintf("  (exit %d)", *code)
				}
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			return "no background tasks", nil
		}
		sort.Strings(lines)
		return strings.Join(lines, "\n"), nil

	case "kill":
		if len(args) < 2 {
			return "", usagef("usage: /task kill <id>")
		}
		id := args[1]
		if d.deps.Tasks != nil {
			if _, ok := d.deps.Tasks.Get(id); ok {
				if err := d.deps.Tasks.Kill(id); err != nil {
					return "", err
				}
				return "killed " + id, nil
			}
		}
		if d.deps.Shells != nil {
			if _, ok := d.deps.Shells.Get(id); ok {
				if err := d.deps.Shells.Kill(id); err != nil {
					return "", err
				}
				return "killed " + id, nil
			}
		}
		return "", fmt.Errorf("no task or shell with id %q", id)

	default:
		return "", usagef("unknown /task subcommand %q", args[0])
	}
}

func (d *Dispatcher) project(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", usagef("usage: /project {init|view}")
	}
	switch args[0] {
	case "view":
		if d.deps.ProjectContext == nil {
			return "", fmt.Errorf("project context unavailable")
		}
		pc := d.deps.ProjectContext()
		if pc == "" {
			return "no project context recorded, run /project init", nil
		}
		return pc, nil
	case "init":
		if d.deps.DetectProject == nil {
			return "", fmt.Errorf("project detection unavailable")
		}
		pc, err := d.deps.DetectProject(ctx)
		if err != nil {
			return "", fmt.Errorf("detect project: %w", err)
		}
		return pc, nil
	default:
		return "", usagef("unknown /project subcommand %q", args[0])
	}
}

func (d *Dispatcher) clear() (string, error) {
	if d.deps.Root == nil {
		return "", fmt.Errorf("no agent")
	}
	d.deps.Root.ClearHistory()
	return "conversation cleared", nil
}

func (d *Dispatcher) compact(ctx context.Context) (string, error) {
	if d.deps.Root == nil {
		return "", fmt.Errorf("no agent")
	}
	summary, err := d.deps.Root.Compact(ctx)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "nothing to compact", nil
	}
	return "history compacted:\n" + summary, nil
}

func (d *Dispatcher) agent(args []string) (string, error) {
	if len(args) == 0 || args[0] != "list" {
		return "", usagef("usage: /agent list")
	}
	if d.deps.Supervisor == nil {
		return "", fmt.Errorf("agent supervisor unavailable")
	}
	kinds := d.deps.Supervisor.AgentKinds()
	if len(kinds) == 0 {
		return "no delegatable agents", nil
	}
	return strings.Join(kinds, "\n"), nil
}

func (d *Dispatcher) debug() string {
	var b strings.Builder
	if d.deps.Client != nil {
		fmt.Fprintf(&b, "model: %s @ %s\n", d.deps.Client.Model(), d.deps.Client.Endpoint())
	}
	if d.deps.Root != nil {
		u := d.deps.Root.Usage()
		fmt.Fprintf(&b, "history: %d messages\n", len(d.deps.Root.History()))
		fmt.Fprintf(&b, "tokens: %d in, %d out\n", u.PromptTokens, u.CompletionTokens)
	}
	if d.deps.Supervisor != nil {
		fmt.Fprintf(&b, "pool: %d agents\n", d.deps.Supervisor.Pool().Size())
	}
	if d.deps.Tasks != nil {
		fmt.Fprintf(&b, "background tasks: %d\n", len(d.deps.Tasks.List()))
	}
	if d.deps.Shells != nil {
		fmt.Fprintf(&b, "background shells: %d\n", len(d.deps.Shells.List()))
	}
	if d.deps.Config != nil {
		fmt.Fprintf(&b, "config hash: %s\n", d.deps.Config.Hash())
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
