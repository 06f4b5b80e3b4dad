package background

import (
	"bufio"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a killed process gets to exit on SIGTERM before
// the supervisor escalates to SIGKILL.
const killGrace = 2 * time.Second

// ShellStatus describes the lifecycle of a background shell.
type ShellStatus string

const (
	StatusRunning ShellStatus = "running"
	StatusExited  ShellStatus = "exited"
	StatusKilled  ShellStatus = "killed"
)

// Shell is one supervised child process. The output buffer outlives the
// process so late reads still see everything it printed.
type Shell struct {
	ID      string
	Command string
	Started time.Time

	buf *LineRing

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   ShellStatus
	exitCode *int // nil while running
}

// Status returns the current status and exit code (nil while running).
func (s *Shell) Status() (ShellStatus, *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.exitCode
}

// Output returns up to n of the most recent buffered lines, optionally
// filtered by a regular expression.
func (s *Shell) Output(n int, filter *regexp.Regexp) []string {
	return s.buf.Tail(n, filter)
}

// ShellSupervisor owns every background shell of the process.
type ShellSupervisor struct {
	mu       sync.Mutex
	shells   map[string]*Shell
	capacity int
}

func NewShellSupervisor() *ShellSupervisor {
	return &ShellSupervisor{shells: make(map[string]*Shell), capacity: DefaultRingCapacity}
}

// Start launches command under sh -c in workDir and begins collecting its
// output. The returned shell is already running.
func (s *ShellSupervisor) Start(command, workDir string) (*Shell, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	// Own process group so Kill reaches the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	sh := &Shell{
		ID:      newID("shell"),
		Command: command,
		Started: time.Now(),
		buf:     NewLineRing(s.capacity),
		cmd:     cmd,
		status:  StatusRunning,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	for _, pipe := range []interface{ Read([]byte) (int, error) }{stdout, stderr} {
		go func(r interface{ Read([]byte) (int, error) }) {
			defer readers.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64*1024), 1<<20)
			for scanner.Scan() {
				sh.buf.Append(scanner.Text())
			}
		}(pipe)
	}

	go func() {
		readers.Wait()
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		sh.mu.Lock()
		if sh.status == StatusRunning {
			sh.status = StatusExited
		}
		sh.exitCode = &code
		sh.mu.Unlock()
		slog.Debug("background shell exited", "id", sh.ID, "code", code)
	}()

	s.mu.Lock()
	s.shells[sh.ID] = sh
	s.mu.Unlock()
	slog.Info("background shell started", "id", sh.ID, "command", command)
	return sh, nil
}

// Get returns the shell by ID.
func (s *ShellSupervisor) Get(id string) (*Shell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shells[id]
	return sh, ok
}

// List returns all shells, running and exited.
func (s *ShellSupervisor) List() []*Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Shell, 0, len(s.shells))
	for _, sh := range s.shells {
		out = append(out, sh)
	}
	return out
}

// Kill terminates the process group: SIGTERM, a grace period, then SIGKILL.
// The output buffer is retained for later reads.
func (s *ShellSupervisor) Kill(id string) error {
	sh, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("unknown shell: %s", id)
	}
	sh.mu.Lock()
	if sh.status != StatusRunning {
		sh.mu.Unlock()
		return nil
	}
	sh.status = StatusKilled
	pid := sh.cmd.Process.Pid
	sh.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		deadline := time.After(killGrace)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				return
			case <-tick.C:
				sh.mu.Lock()
				done := sh.exitCode != nil
				sh.mu.Unlock()
				if done {
					return
				}
			}
		}
	}()
	return nil
}

// Shutdown kills every running shell.
func (s *ShellSupervisor) Shutdown() {
	for _, sh := range s.List() {
		_ = s.Kill(sh.ID)
	}
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d-%04x", prefix, time.Now().UnixMilli(), rand.Intn(1<<16))
}
