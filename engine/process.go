package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"crucible/assetcache"
)

var commandContext = exec.CommandContext

// Process runs the engine as a sandboxed subprocess. The workspace directory
// doubles as the engine's virtual filesystem: inputs and outputs are plain
// files there, exclusive to the running attempt.
type Process struct {
	workDir string
	binary  string

	mu   sync.Mutex
	path string
	sink func(Event)
	cmd  *exec.Cmd
	gen  uint64
}

// NewProcess constructs a process-backed engine rooted at workDir.
func NewProcess(workDir, binary string) *Process {
	return &Process{workDir: workDir, binary: binary}
}

// Init materializes the bundle into the workspace and verifies the binary
// launches. The sink receives every progress and log event this physical
// instance emits.
func (p *Process) Init(ctx context.Context, bundle *assetcache.Bundle, sink func(Event)) error {
	if !bundle.Complete() {
		return errors.New("incomplete asset bundle")
	}
	binDir := filepath.Join(p.workDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create engine bin dir: %w", err)
	}
	if err := os.MkdirAll(p.scratchDir(), 0o755); err != nil {
		return fmt.Errorf("create engine workspace: %w", err)
	}
	path := filepath.Join(binDir, p.binary)
	if err := os.WriteFile(path, bundle.Binary, 0o755); err != nil {
		return fmt.Errorf("write engine binary: %w", err)
	}
	if err := os.WriteFile(path+".wasm", bundle.Wasm, 0o644); err != nil {
		return fmt.Errorf("write engine wasm blob: %w", err)
	}
	if err := os.WriteFile(path+".worker.js", bundle.Worker, 0o644); err != nil {
		return fmt.Errorf("write engine worker blob: %w", err)
	}

	probe := commandContext(ctx, path, "-version")
	probe.Dir = p.workDir
	if out, err := probe.CombinedOutput(); err != nil {
		return fmt.Errorf("engine probe failed: %w (%s)", err, firstLine(out))
	}

	p.mu.Lock()
	p.path = path
	p.sink = sink
	p.gen++
	p.mu.Unlock()
	return nil
}

// Exec runs one engine command inside the workspace. Progress JSON lines and
// free-text status lines on stdout/stderr are forwarded to the sink. A plain
// non-zero exit is returned as the exit code with a nil error; signal deaths
// and launch failures return an error.
func (p *Process) Exec(ctx context.Context, command Command) (int, error) {
	p.mu.Lock()
	path := p.path
	sink := p.sink
	gen := p.gen
	p.mu.Unlock()
	if path == "" {
		return 0, errors.New("engine not initialized")
	}

	cmd := commandContext(ctx, path, command.Args...)
	cmd.Dir = p.scratchDir()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start engine: %w", err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sink != nil {
			sink(parseEventLine(line, gen))
		}
	}

	waitErr := cmd.Wait()
	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return 0, fmt.Errorf("engine killed by signal %s", status.Signal())
		}
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("engine wait: %w", waitErr)
}

// WriteInput places a file into the engine workspace.
func (p *Process) WriteInput(name string, data []byte) error {
	path, err := p.workspacePath(name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadOutput retrieves a file from the engine workspace.
func (p *Process) ReadOutput(name string) ([]byte, error) {
	path, err := p.workspacePath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes a workspace entry; a missing entry is not an error.
func (p *Process) Remove(name string) error {
	path, err := p.workspacePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Terminate kills any running command's process group and forgets the
// instance. Redundant calls are no-ops.
func (p *Process) Terminate() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.path = ""
	p.sink = nil
	p.mu.Unlock()
	if cmd != nil {
		_ = killGroup(cmd)
	}
	return nil
}

func (p *Process) scratchDir() string {
	return filepath.Join(p.workDir, "fs")
}

func (p *Process) workspacePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid workspace name %q", name)
	}
	return filepath.Join(p.scratchDir(), name), nil
}

// parseEventLine decodes the engine's JSON progress lines and falls back to
// raw log events for everything else.
func parseEventLine(line string, gen uint64) Event {
	if strings.HasPrefix(line, "{") {
		var payload struct {
			Progress *float64 `json:"progress"`
			Message  string   `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err == nil && payload.Progress != nil {
			return Event{Type: EventProgress, Fraction: *payload.Progress, Line: payload.Message, Generation: gen}
		}
	}
	return Event{Type: EventLog, Fraction: -1, Line: line, Generation: gen}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func firstLine(out []byte) string {
	text := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return text
}

var _ Engine = (*Process)(nil)
