package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/allydev/ally/internal/background"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 10 * time.Minute
	shellOutputCap      = 64 * 1024
)

// denyPatterns are commands the shell tool refuses outright. The host-trust
// model still applies; this catches the obviously destructive or escalating
// commands a confused model might emit.
var denyPatterns = []*regexp.Regexp{
	// destructive file and disk operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|fdisk|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// piping downloads into a shell
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// reverse shells and tunnels
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(ngrok|cloudflared|chisel|frp)\b`),

	// loader and shell-init injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|BASH_ENV)\s*=`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),

	// credential dumping
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
}

// checkDenied returns the pattern that forbids the command, if any.
func checkDenied(command string) *regexp.Regexp {
	for _, p := range denyPatterns {
		if p.MatchString(command) {
			return p
		}
	}
	return nil
}

// ShellTool runs commands, either to completion or as a supervised
// background shell.
type ShellTool struct {
	WorkDir string
	Shells  *background.ShellSupervisor
}

func NewShellTool(workDir string, shells *background.ShellSupervisor) *ShellTool {
	return &ShellTool{WorkDir: workDir, Shells: shells}
}

func (t *ShellTool) Name() string { return "bash" }
func (t *ShellTool) Description() string {
	return "Run a shell command. Set run_in_background for long-lived processes and poll them with bash-output."
}
func (t *ShellTool) Meta() Meta {
	m := DefaultMeta()
	m.RequiresConfirmation = true
	m.ShouldCollapse = true
	return m
}
func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":           map[string]any{"type": "string", "description": "Command to run with sh -c"},
			"run_in_background": map[string]any{"type": "boolean", "description": "Start as a background shell and return its id"},
			"timeout":           map[string]any{"type": "integer", "description": "Foreground timeout in seconds"},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) FormatSubtext(args map[string]any) string {
	cmd, _ := args["command"].(string)
	return cmd
}

func (t *ShellTool) ValidateBeforePermission(args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ValidationError("command is required")
	}
	if p := checkDenied(command); p != nil {
		return SecurityError(fmt.Sprintf("command refused: matches forbidden pattern %s", p))
	}
	return nil
}

func (t *ShellTool) Execute(ctx context.Context, inv Invocation) *Result {
	command, _ := inv.Args["command"].(string)
	if p := checkDenied(command); p != nil {
		return SecurityError(fmt.Sprintf("command refused: matches forbidden pattern %s", p))
	}

	if bg, _ := inv.Args["run_in_background"].(bool); bg {
		sh, err := t.Shells.Start(command, t.WorkDir)
		if err != nil {
			return SystemError(fmt.Sprintf("failed to start background shell: %v", err))
		}
		return Async(fmt.Sprintf("started background shell %s; poll it with bash-output", sh.ID))
	}

	timeout := time.Duration(intArg(inv.Args, "timeout", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.WorkDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > shellOutputCap {
		output = output[:shellOutputCap] + "\n... (output truncated)"
	}
	switch {
	case ctx.Err() != nil:
		return Interrupted("command was interrupted")
	case runCtx.Err() == context.DeadlineExceeded:
		return UserError(fmt.Sprintf("command timed out after %s\n%s", timeout, output))
	case err != nil:
		return UserError(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if output == "" {
		output = "(no output)"
	}
	return Ok(output)
}

func (t *ShellTool) TruncationGuidance() string {
	return "Output was truncated. Re-run with a narrower command, or pipe through head/tail."
}

// BashOutputTool reads the buffered output of a background shell or a
// background agent by id.
type BashOutputTool struct {
	Shells *background.ShellSupervisor
	Agents *background.AgentSupervisor
}

func NewBashOutputTool(shells *background.ShellSupervisor, agents *background.AgentSupervisor) *BashOutputTool {
	return &BashOutputTool{Shells: shells, Agents: agents}
}

func (t *BashOutputTool) Name() string { return "bash-output" }
func (t *BashOutputTool) Description() string {
	return "Read recent output of a background shell or background agent by id, optionally filtered by a regex."
}
func (t *BashOutputTool) Meta() Meta {
	m := DefaultMeta()
	m.ShouldCollapse = true
	// Polling a task is housekeeping; it neither extends nor breaks an
	// exploratory streak.
	m.BreaksExploratoryStreak = false
	return m
}
func (t *BashOutputTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shell_id": map[string]any{"type": "string", "description": "Id returned when the task was started"},
			"lines":    map[string]any{"type": "integer", "description": "Maximum lines to return (default all buffered)"},
			"filter":   map[string]any{"type": "string", "description": "Regex; only matching lines are returned"},
		},
		"required": []string{"shell_id"},
	}
}

func (t *BashOutputTool) Execute(ctx context.Context, inv Invocation) *Result {
	id, _ := inv.Args["shell_id"].(string)
	if id == "" {
		return ValidationError("shell_id is required")
	}
	lines := intArg(inv.Args, "lines", 0)
	var filter *regexp.Regexp
	if f, _ := inv.Args["filter"].(string); f != "" {
		re, err := regexp.Compile(f)
		if err != nil {
			return ValidationError(fmt.Sprintf("invalid filter: %v", err))
		}
		filter = re
	}

	if sh, ok := t.Shells.Get(id); ok {
		status, code := sh.Status()
		out := strings.Join(sh.Output(lines, filter), "\n")
		header := fmt.Sprintf("status=%s", status)
		if code != nil {
			header = fmt.Sprintf("status=%s exit_code=%d", status, *code)
		}
		return Silent(header + "\n" + out)
	}
	if t.Agents != nil {
		if task, ok := t.Agents.Get(id); ok {
			status, errMsg := task.Status()
			out := strings.Join(task.Output(lines, filter), "\n")
			header := fmt.Sprintf("status=%s", status)
			if errMsg != "" {
				header += " error=" + errMsg
			}
			return Silent(header + "\n" + out)
		}
	}
	return UserError(fmt.Sprintf("unknown shell_id: %s", id))
}
