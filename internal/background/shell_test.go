package background

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestShellCollectsOutput(t *testing.T) {
	s := NewShellSupervisor()
	defer s.Shutdown()

	sh, err := s.Start("echo one; echo two", t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(sh.ID, "shell-") {
		t.Fatalf("ID = %q, want shell-<ts>-<rand>", sh.ID)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, _ := sh.Status()
		return st == StatusExited
	})

	out := sh.Output(0, nil)
	if len(out) != 2 || out[0] != "one" || out[1] != "two" {
		t.Fatalf("Output = %v", out)
	}
	st, code := sh.Status()
	if st != StatusExited || code == nil || *code != 0 {
		t.Fatalf("Status = %v/%v", st, code)
	}
}

func TestShellFilteredTailWhileRunning(t *testing.T) {
	s := NewShellSupervisor()
	defer s.Shutdown()

	sh, err := s.Start("while :; do echo x; sleep 0.01; done", t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return sh.buf.Len() >= 10 })

	out := sh.Output(10, regexp.MustCompile(`x`))
	if len(out) != 10 {
		t.Fatalf("got %d lines, want 10", len(out))
	}
	for _, l := range out {
		if l != "x" {
			t.Fatalf("unexpected line %q", l)
		}
	}
	if st, _ := sh.Status(); st != StatusRunning {
		t.Fatalf("status = %v, want running", st)
	}
}

func TestKillTransitionsExitCode(t *testing.T) {
	s := NewShellSupervisor()
	defer s.Shutdown()

	sh, err := s.Start("while :; do echo x; sleep 0.01; done", t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, code := sh.Status(); code != nil {
		t.Fatalf("exit code set before exit: %v", *code)
	}

	if err := s.Kill(sh.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, code := sh.Status()
		return code != nil
	})

	st, code := sh.Status()
	if st != StatusKilled {
		t.Fatalf("status = %v, want killed", st)
	}
	if *code == 0 {
		t.Fatalf("exit code = 0 after kill, want signal code")
	}
	// Buffer outlives the process.
	if len(sh.Output(5, nil)) == 0 {
		t.Fatal("buffered output lost after kill")
	}
}

func TestKillUnknownShell(t *testing.T) {
	s := NewShellSupervisor()
	if err := s.Kill("shell-0-dead"); err == nil {
		t.Fatal("expected error for unknown shell")
	}
}
