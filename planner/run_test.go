package planner_test

import (
	"context"
	"errors"
	"testing"

	"crucible/config"
	"crucible/engine"
	"crucible/logging"
	"crucible/planner"
	"crucible/services"
	"crucible/testsupport"
)

func testPlan() planner.Plan {
	return planner.Build(
		"webp",
		planner.Source{Width: 5000, Height: 4000},
		planner.Constraints{MaxDimension: 2560},
		config.Default().Ladder,
	)
}

func newRunner(t *testing.T, cfg *config.Config, factory engine.Factory) (*planner.Runner, *engine.Manager) {
	t.Helper()
	mgr := testsupport.NewEngineManager(t, cfg, factory, nil)
	return planner.NewRunner(mgr, cfg, logging.NewNop(), nil), mgr
}

func TestRunFirstAttemptSuccess(t *testing.T) {
	fake := testsupport.NewFakeEngine(testsupport.ExecResult{Code: 0, Output: []byte("webp-bytes")})
	cfg := testsupport.NewConfig(t)
	runner, _ := newRunner(t, cfg, func(string, string) engine.Engine { return fake })

	res, err := runner.Run(context.Background(), testPlan(), []byte("input"), 0, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() || string(res.Output) != "webp-bytes" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.AttemptsUsed != 1 {
		t.Fatalf("attempts used = %d, want 1", res.AttemptsUsed)
	}
	if fake.ExecCalls() != 1 {
		t.Fatalf("exec calls = %d, want 1", fake.ExecCalls())
	}
}

func TestRunCrashReloadsAndAdvances(t *testing.T) {
	instances := 0
	var fakes []*testsupport.FakeEngine
	cfg := testsupport.NewConfig(t)
	runner, mgr := newRunner(t, cfg, func(string, string) engine.Engine {
		instances++
		var fake *testsupport.FakeEngine
		if instances == 1 {
			fake = testsupport.NewFakeEngine(testsupport.ExecResult{Err: errors.New("out of memory")})
		} else {
			fake = testsupport.NewFakeEngine(testsupport.ExecResult{Code: 0, Output: []byte("ok")})
		}
		fakes = append(fakes, fake)
		return fake
	})

	res, err := runner.Run(context.Background(), testPlan(), []byte("input"), 0, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AttemptsUsed != 2 {
		t.Fatalf("attempts used = %d, want 2 (crash then success)", res.AttemptsUsed)
	}
	if instances != 2 {
		t.Fatalf("engine instances = %d, want reload exactly once", instances)
	}
	if fakes[0].ExecCalls() != 1 {
		t.Fatalf("failed attempt must never be re-run, got %d execs on crashed instance", fakes[0].ExecCalls())
	}
	if got := mgr.State(); got != engine.StateReady {
		t.Fatalf("state = %s, want ready after success", got)
	}
}

func TestRunPlainNonZeroAdvancesWithoutReload(t *testing.T) {
	fake := testsupport.NewFakeEngine(
		testsupport.ExecResult{Code: 1},
		testsupport.ExecResult{Code: 0, Output: []byte("ok")},
	)
	instances := 0
	cfg := testsupport.NewConfig(t)
	runner, _ := newRunner(t, cfg, func(string, string) engine.Engine {
		instances++
		return fake
	})

	res, err := runner.Run(context.Background(), testPlan(), []byte("input"), 0, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AttemptsUsed != 2 {
		t.Fatalf("attempts used = %d, want 2", res.AttemptsUsed)
	}
	if instances != 1 {
		t.Fatalf("plain exit must not reload the engine, got %d instances", instances)
	}
}

func TestRunExhaustedLadder(t *testing.T) {
	plan := testPlan()
	script := make([]testsupport.ExecResult, len(plan.Attempts))
	for i := range script {
		script[i] = testsupport.ExecResult{Code: 1}
	}
	fake := testsupport.NewFakeEngine(script...)
	cfg := testsupport.NewConfig(t)
	runner, _ := newRunner(t, cfg, func(string, string) engine.Engine { return fake })

	res, err := runner.Run(context.Background(), plan, []byte("input"), 0, nil, nil)
	if err == nil {
		t.Fatal("exhausted ladder must fail")
	}
	if res.Succeeded() {
		t.Fatalf("no output expected, got %+v", res)
	}
	if res.AttemptsUsed != len(plan.Attempts) {
		t.Fatalf("attempts used = %d, want all %d", res.AttemptsUsed, len(plan.Attempts))
	}
}

func TestRunCancelledBeforeFirstCommand(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	cfg := testsupport.NewConfig(t)
	runner, _ := newRunner(t, cfg, func(string, string) engine.Engine { return fake })

	cancel := make(chan struct{})
	close(cancel)
	res, err := runner.Run(context.Background(), testPlan(), []byte("input"), 0, cancel, nil)
	if services.Kind(err) != services.KindCancelled {
		t.Fatalf("Kind = %q, want cancelled (%v)", services.Kind(err), err)
	}
	if fake.ExecCalls() != 0 {
		t.Fatalf("cancelled job must issue zero engine commands, got %d", fake.ExecCalls())
	}
	if res.AttemptsUsed != 0 {
		t.Fatalf("attempts used = %d, want 0", res.AttemptsUsed)
	}
}

func TestRunPublishesProgress(t *testing.T) {
	fake := testsupport.NewFakeEngine(testsupport.ExecResult{
		Code:     0,
		Output:   []byte("ok"),
		Progress: []float64{0.25, 0.5, 1},
	})
	cfg := testsupport.NewConfig(t)
	runner, _ := newRunner(t, cfg, func(string, string) engine.Engine { return fake })

	seen := make(chan float64, 8)
	_, err := runner.Run(context.Background(), testPlan(), []byte("input"), 0, nil, func(v float64) {
		seen <- v
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var values []float64
	close(seen)
	for v := range seen {
		values = append(values, v)
	}
	if len(values) == 0 {
		t.Fatal("expected progress callbacks")
	}
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			t.Fatalf("progress regressed: %v", values)
		}
	}
	if last := values[len(values)-1]; last != 1 {
		t.Fatalf("final progress = %v, want 1", last)
	}
}
