package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDownloadTimeout marks an asset-bundle download that exceeded its deadline.
	ErrDownloadTimeout = errors.New("download timeout")
	// ErrInitTimeout marks an engine initialization that exceeded its deadline.
	ErrInitTimeout = errors.New("init timeout")
	// ErrExecTimeout marks an engine command killed by the watchdog (stuck/terminated).
	ErrExecTimeout = errors.New("execution timeout")
	// ErrEngineCrash marks an engine death with an abort or out-of-memory signature.
	ErrEngineCrash = errors.New("engine crash")
	// ErrNotLoaded marks a command issued while no engine instance was ready.
	ErrNotLoaded = errors.New("engine not loaded")
	// ErrValidation marks input rejected by the validation collaborator.
	ErrValidation = errors.New("validation failure")
	// ErrCancelled marks work stopped by an explicit cancellation signal.
	ErrCancelled = errors.New("cancelled")
)

// Kind names for classified errors. These are the stable strings persisted on
// failed queue items and exposed through attempt results.
const (
	KindDownloadTimeout = "download-timeout"
	KindInitTimeout     = "init-timeout"
	KindExecTimeout     = "exec-timeout"
	KindEngineCrash     = "engine-crash"
	KindNotLoaded       = "not-loaded"
	KindValidation      = "validation-failure"
	KindCancelled       = "cancelled"
	KindUnknown         = "unknown"
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		if err != nil {
			return fmt.Errorf("%s: %w", detail, err)
		}
		return errors.New(detail)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error to its taxonomy name.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDownloadTimeout):
		return KindDownloadTimeout
	case errors.Is(err, ErrInitTimeout):
		return KindInitTimeout
	case errors.Is(err, ErrExecTimeout):
		return KindExecTimeout
	case errors.Is(err, ErrEngineCrash):
		return KindEngineCrash
	case errors.Is(err, ErrNotLoaded):
		return KindNotLoaded
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Recoverable reports whether a reload of the engine can resolve the failure.
// The fallback ladder reloads and advances to the next cheaper attempt for
// these kinds; everything else just advances.
func Recoverable(err error) bool {
	switch Kind(err) {
	case KindEngineCrash, KindNotLoaded, KindExecTimeout:
		return true
	default:
		return false
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
