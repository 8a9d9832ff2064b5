package engine

import (
	"context"
	"time"

	"crucible/assetcache"
)

// State describes the lifecycle of the single engine instance.
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateTerminated State = "terminated"
)

// Command describes one engine invocation. The input and output names refer
// to entries in the engine's exclusive workspace.
type Command struct {
	Args       []string
	InputName  string
	OutputName string
	// TargetDuration is the expected media duration, used to normalize
	// elapsed-time progress lines. Zero disables time-based progress.
	TargetDuration time.Duration
}

// EventType distinguishes the engine's two progress channels.
type EventType string

const (
	// EventProgress carries an explicit fractional progress value.
	EventProgress EventType = "progress"
	// EventLog carries a free-text status line.
	EventLog EventType = "log"
)

// Event is one progress or log emission from a physical engine instance.
type Event struct {
	Type EventType
	// Fraction is the explicit 0..1 progress value; negative when absent.
	Fraction float64
	// Line is the raw status line for log events.
	Line string
	// Generation identifies the physical engine instance that emitted the
	// event; it increments on every reload.
	Generation uint64
	Timestamp  time.Time
}

// Engine is the opaque command/response boundary to one loaded engine
// instance. Implementations are not safe for concurrent commands; the
// Manager serializes access.
type Engine interface {
	// Init hands the asset bundle to the engine and attaches the single
	// event sink for this physical instance.
	Init(ctx context.Context, bundle *assetcache.Bundle, sink func(Event)) error
	// Exec runs one command and returns its exit code. A non-zero exit is
	// not an error; err is reserved for crashes and launch failures.
	Exec(ctx context.Context, cmd Command) (int, error)
	// WriteInput places a file into the engine workspace.
	WriteInput(name string, data []byte) error
	// ReadOutput retrieves a file from the engine workspace.
	ReadOutput(name string) ([]byte, error)
	// Remove deletes a workspace entry, ignoring absence.
	Remove(name string) error
	// Terminate tears the instance down. Must be safe to call redundantly.
	Terminate() error
}
