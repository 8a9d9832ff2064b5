package engine

import (
	"context"
	"strings"
	"time"

	"crucible/logging"
	"crucible/services"
)

// RunWithTimeout executes one engine command under the watchdog. Exactly one
// command may be in flight at a time; the Busy slot enforces it.
//
// The command races against the timeout and the cancel signal. When either
// fires first the engine is terminated synchronously and a classified error
// is returned; the command's late settlement is discarded, never surfaced.
// After this returns the manager's state is trustworthy: Ready on success
// and plain non-zero exits, Unloaded on every timeout, cancel, and crash
// path.
func (m *Manager) RunWithTimeout(ctx context.Context, cmd Command, timeout time.Duration, cancel <-chan struct{}) (int, error) {
	gen, err := m.beginCommand()
	if err != nil {
		return 0, err
	}

	execCtx, stopExec := context.WithCancel(ctx)
	defer stopExec()

	type settled struct {
		code int
		err  error
	}
	// Buffered so the command goroutine can settle after the watchdog has
	// already resolved the race; the stray settlement is simply dropped.
	done := make(chan settled, 1)
	go func() {
		m.mu.Lock()
		eng := m.engine
		m.mu.Unlock()
		if eng == nil {
			done <- settled{err: services.Wrap(services.ErrNotLoaded, "engine", "exec", "engine disappeared before exec", nil)}
			return
		}
		code, execErr := eng.Exec(execCtx, cmd)
		done <- settled{code: code, err: execErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return m.settleCommand(gen, res.code, res.err)
	case <-timer.C:
		stopExec()
		m.tripWatchdog("exec_timeout", timeout)
		return 0, services.Wrap(services.ErrExecTimeout, "engine", "exec", "command stuck; engine terminated", nil)
	case <-cancel:
		stopExec()
		m.tripWatchdog("exec_cancelled", timeout)
		return 0, services.Wrap(services.ErrCancelled, "engine", "exec", "command cancelled; engine terminated", nil)
	case <-ctx.Done():
		stopExec()
		m.tripWatchdog("exec_context_done", timeout)
		if ctx.Err() == context.DeadlineExceeded {
			return 0, services.Wrap(services.ErrExecTimeout, "engine", "exec", "context deadline exceeded; engine terminated", ctx.Err())
		}
		return 0, services.Wrap(services.ErrCancelled, "engine", "exec", "context cancelled; engine terminated", ctx.Err())
	}
}

// beginCommand takes the single Busy slot.
func (m *Manager) beginCommand() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady:
	case StateBusy:
		return 0, services.Wrap(services.ErrNotLoaded, "engine", "exec", "another command is already in flight", nil)
	default:
		return 0, services.Wrap(services.ErrNotLoaded, "engine", "exec", "engine is "+string(m.state), nil)
	}
	m.state = StateBusy
	return m.generation, nil
}

// settleCommand releases the Busy slot for an in-band settlement. Any exec
// error terminates the engine, but only crash signatures classify as
// engine-crash; other launch failures stay unclassified so the ladder does
// not treat a broken binary as recoverable. Plain exits restore Ready.
func (m *Manager) settleCommand(gen uint64, code int, execErr error) (int, error) {
	if execErr != nil {
		m.Terminate()
		if crashSignature(execErr) {
			return 0, services.Wrap(services.ErrEngineCrash, "engine", "exec", "engine crashed; terminated", execErr)
		}
		return 0, services.Wrap(nil, "engine", "exec", "engine command failed to run; terminated", execErr)
	}

	m.mu.Lock()
	if m.state == StateBusy && m.generation == gen {
		m.state = StateReady
	}
	m.mu.Unlock()
	return code, nil
}

// tripWatchdog is the forced-recovery path shared by timeout and cancel.
func (m *Manager) tripWatchdog(event string, timeout time.Duration) {
	m.metrics.WatchdogTripped()
	m.logger.Warn("watchdog tripped; terminating engine",
		logging.String(logging.FieldEventType, event),
		logging.Duration("exec_timeout", timeout),
		logging.String(logging.FieldErrorHint, "the engine will be reloaded before the next attempt"),
	)
	m.Terminate()
}

// crashSignature reports whether an exec error looks like an engine death
// (signal kill, abort, out of memory) rather than an orchestration bug.
func crashSignature(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range []string{
		"killed by signal",
		"signal: killed",
		"signal: abort",
		"out of memory",
		"cannot allocate memory",
		"oom",
		"abort",
	} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
