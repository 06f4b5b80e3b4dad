package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/command"
	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/internal/store"
)

var (
	flagModel           string
	flagEndpoint        string
	flagTemperature     float64
	flagContextSize     int
	flagMaxTokens       int
	flagReasoningEffort string
	flagAutoConfirm     bool
	flagSession         string
	flagResume          string
	flagOnce            string
)

func addChatFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagModel, "model", "", "model name (overrides config)")
	f.StringVar(&flagEndpoint, "endpoint", "", "model endpoint URL (overrides config)")
	f.Float64Var(&flagTemperature, "temperature", 0, "sampling temperature (overrides config)")
	f.IntVar(&flagContextSize, "context-size", 0, "model context window in tokens (overrides config)")
	f.IntVar(&flagMaxTokens, "max-tokens", 0, "response token cap (overrides config)")
	f.StringVar(&flagReasoningEffort, "reasoning-effort", "", "reasoning effort: low, medium, high")
	f.BoolVar(&flagAutoConfirm, "auto-confirm", false, "approve all tool confirmations")
	f.StringVarP(&flagSession, "session", "s", "", "named session to continue or create")
	f.StringVar(&flagResume, "resume", "", "resume a session by id (no value: most recent)")
	f.Lookup("resume").NoOptDefVal = "latest"
	f.StringVar(&flagOnce, "once", "", "run one message or slash command and exit")
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent interactively or run a one-shot message",
		Long: `Chat with the coding agent in the current directory.

Examples:
  ally chat                          # interactive REPL
  ally chat -s refactor              # named session
  ally chat --resume                 # pick up the most recent session
  ally chat --once "/task list"      # one-shot slash command
  ally chat --once "explain main.go" # one-shot message`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(cmd)
		},
	}
	addChatFlags(cmd)
	return cmd
}

func runChat(cmd *cobra.Command) {
	setupLogging(verbose)

	cfgPath := resolveConfigPath()
	if cfgPath == "" {
		cfgPath = config.DefaultPath(profile)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := config.Watch(ctx, cfgPath, cfg, func(c *config.Config) {
		fmt.Fprintln(os.Stderr, "(config reloaded)")
	}); err != nil {
		fmt.Fprintf(os.Stderr, "config watch unavailable: %v\n", err)
	}

	stdin := bufio.NewReader(os.Stdin)
	rt, err := buildRuntime(ctx, cfg, stdin, flagAutoConfirm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	sess, err := resolveSession(ctx, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	attachSession(ctx, rt, sess)

	render := newRenderer(rt.root.ID(), verbose)
	subID := rt.bus.Subscribe(bus.EventAll, render.handle)
	defer rt.bus.Unsubscribe(subID)

	if flagOnce != "" {
		code := runOnce(ctx, rt, sess, render, flagOnce)
		rt.bus.Unsubscribe(subID)
		rt.Close()
		os.Exit(code)
	}
	runREPL(ctx, rt, sess, render, stdin)
}

// applyFlagOverrides lets explicitly-set flags win over config and env.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	snap := cfg.Snapshot()
	set := cmd.Flags().Changed
	if set("model") {
		snap.Model.Name = flagModel
	}
	if set("endpoint") {
		snap.Model.Endpoint = flagEndpoint
	}
	if set("temperature") {
		snap.Model.Temperature = flagTemperature
	}
	if set("context-size") {
		snap.Model.ContextSize = flagContextSize
	}
	if set("max-tokens") {
		snap.Model.MaxTokens = flagMaxTokens
	}
	if set("reasoning-effort") {
		snap.Model.ReasoningEffort = flagReasoningEffort
	}
	if profile != "" {
		snap.Profile = profile
	}
	if verbose {
		snap.Verbose = true
	}
	if debug {
		snap.Debug = true
	}
	cfg.ReplaceFrom(&snap)
}

func resolveSession(ctx context.Context, rt *runtime) (*store.Session, error) {
	switch {
	case flagResume == "latest":
		infos, err := rt.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if len(infos) == 0 {
			return store.NewSession(""), nil
		}
		return rt.store.Load(ctx, infos[0].ID)
	case flagResume != "":
		return rt.store.Load(ctx, flagResume)
	case flagSession != "":
		sess, err := rt.store.LoadByName(ctx, flagSession)
		if err == store.ErrNotFound {
			return store.NewSession(flagSession), nil
		}
		return sess, err
	default:
		return store.NewSession(""), nil
	}
}

// attachSession restores persisted state into the runtime. A fresh session
// gets a one-time project-context detection instead.
func attachSession(ctx context.Context, rt *runtime, sess *store.Session) {
	if len(sess.Messages) > 0 {
		rt.root.RestoreHistory(sess.Messages)
	}
	if len(sess.Todos) > 0 {
		if err := rt.todos.Replace(sess.Todos); err != nil {
			fmt.Fprintf(os.Stderr, "ignoring persisted todos: %v\n", err)
		}
	}
	if sess.ProjectContext != "" {
		rt.setProjectContext(sess.ProjectContext)
		rt.root.SetTaskContext(sess.ProjectContext)
		return
	}
	if pc, err := rt.detectProject(ctx); err == nil && pc != "" {
		sess.ProjectContext = pc
		rt.root.SetTaskContext(pc)
	}
}

func saveSession(ctx context.Context, rt *runtime, sess *store.Session) {
	sess.Messages = rt.root.History()
	sess.Todos = rt.todos.Items()
	u := rt.root.Usage()
	sess.Metadata.Model = rt.rootClient.Model()
	sess.Metadata.Endpoint = rt.rootClient.Endpoint()
	sess.Metadata.InputTokens = int64(u.PromptTokens)
	sess.Metadata.OutputTokens = int64(u.CompletionTokens)
	if err := rt.store.Save(ctx, sess); err != nil {
		fmt.Fprintf(os.Stderr, "session save failed: %v\n", err)
	}
}

func runOnce(ctx context.Context, rt *runtime, sess *store.Session, render *renderer, line string) int {
	if command.IsCommand(line) {
		out, code := rt.dispatcher.Run(ctx, line)
		if out != "" {
			fmt.Println(out)
		}
		return code
	}

	render.beginTurn()
	reply, err := rt.root.SendMessage(ctx, line)
	render.endTurn(reply)
	saveSession(ctx, rt, sess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return command.ExitError
	}
	return command.ExitOK
}

func runREPL(ctx context.Context, rt *runtime, sess *store.Session, render *renderer, stdin *bufio.Reader) {
	fmt.Fprintf(os.Stderr, "\nally %s | %s @ %s\n", Version, rt.rootClient.Model(), rt.rootClient.Endpoint())
	if sess.Name != "" {
		fmt.Fprintf(os.Stderr, "session: %s (%s)\n", sess.Name, sess.ID)
	} else {
		fmt.Fprintf(os.Stderr, "session: %s\n", sess.ID)
	}
	fmt.Fprintf(os.Stderr, "Type a message, /help for commands, \"exit\" to quit\n\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nbye")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr)
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			saveSession(ctx, rt, sess)
			fmt.Fprintln(os.Stderr, "bye")
			return
		}

		if command.IsCommand(input) {
			out, err := rt.dispatcher.Dispatch(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			if out != "" {
				fmt.Println(out)
			}
			saveSession(ctx, rt, sess)
			continue
		}

		render.beginTurn()
		reply, err := rt.root.SendMessage(ctx, input)
		render.endTurn(reply)
		saveSession(ctx, rt, sess)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// renderer turns bus events into terminal output. Streamed content goes to
// stdout as it arrives; tool activity goes to stderr.
type renderer struct {
	rootID  string
	verbose bool

	mu       sync.Mutex
	streamed bool
}

func newRenderer(rootID string, verbose bool) *renderer {
	return &renderer{rootID: rootID, verbose: verbose}
}

func (r *renderer) beginTurn() {
	r.mu.Lock()
	r.streamed = false
	r.mu.Unlock()
}

// endTurn prints the reply unless it already streamed.
func (r *renderer) endTurn(reply string) {
	r.mu.Lock()
	streamed := r.streamed
	r.mu.Unlock()
	if streamed {
		fmt.Println()
		return
	}
	if reply != "" {
		fmt.Printf("%s\n", reply)
	}
}

func (r *renderer) handle(ev bus.Event) {
	switch ev.Type {
	case bus.EventOutputChunk:
		if ev.Data["agent_id"] == r.rootID {
			if text, ok := ev.Data["text"].(string); ok {
				r.mu.Lock()
				r.streamed = true
				r.mu.Unlock()
				fmt.Print(text)
			}
		}
	case bus.EventToolCallStart:
		if tool, ok := ev.Data["tool"].(string); ok {
			fmt.Fprintf(os.Stderr, "  [tool] %s\n", tool)
		}
	case bus.EventDiffPreview:
		if diff, ok := ev.Data["diff"].(string); ok && diff != "" {
			fmt.Fprintln(os.Stderr, diff)
		}
	case bus.EventAgentStart:
		if depth, ok := ev.Data["depth"].(int); ok && depth > 0 {
			fmt.Fprintf(os.Stderr, "  [agent] %v started\n", ev.Data["kind"])
		}
	case bus.EventError:
		if r.verbose {
			fmt.Fprintf(os.Stderr, "  [error] %v\n", ev.Data["tool"])
		}
	}
}
