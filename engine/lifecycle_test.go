package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crucible/engine"
	"crucible/services"
	"crucible/testsupport"
)

func TestLoadIdempotent(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine { return fake }, nil)

	for i := 0; i < 3; i++ {
		if err := mgr.Load(context.Background()); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
	}
	if fake.InitCount != 1 {
		t.Fatalf("init count = %d, want 1", fake.InitCount)
	}
	if got := mgr.State(); got != engine.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestConcurrentLoadsShareOneInit(t *testing.T) {
	var mu sync.Mutex
	factoryCalls := 0
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine {
		mu.Lock()
		factoryCalls++
		mu.Unlock()
		fake := testsupport.NewFakeEngine()
		fake.FailInit(nil, 50*time.Millisecond)
		return fake
	}, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Load(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if factoryCalls != 1 {
		t.Fatalf("factory calls = %d, want one shared load", factoryCalls)
	}
}

func TestInitTimeoutClassified(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Engine.InitTimeout = 1
	fake := testsupport.NewFakeEngine()
	fake.FailInit(context.DeadlineExceeded, 2*time.Second)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine { return fake }, nil)

	err := mgr.Load(context.Background())
	if services.Kind(err) != services.KindInitTimeout {
		t.Fatalf("Kind = %q, want init-timeout (%v)", services.Kind(err), err)
	}
	if got := mgr.State(); got != engine.StateUnloaded {
		t.Fatalf("failed load must reset state, got %s", got)
	}
	if fake.TerminateCount == 0 {
		t.Fatal("failed init must tear the instance down")
	}
}

func TestInitFailureResetsForNextLoad(t *testing.T) {
	attempts := 0
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine {
		attempts++
		fake := testsupport.NewFakeEngine()
		if attempts == 1 {
			fake.FailInit(errors.New("bundle rejected"), 0)
		}
		return fake
	}, nil)

	if err := mgr.Load(context.Background()); err == nil {
		t.Fatal("first load should fail")
	}
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("second load should start clean: %v", err)
	}
	if got := mgr.State(); got != engine.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestTerminateUnconditionalAndRedundant(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine { return fake }, nil)

	mgr.Terminate() // never loaded; must not panic
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mgr.Terminate()
	mgr.Terminate()
	if got := mgr.State(); got != engine.StateUnloaded {
		t.Fatalf("state = %s, want unloaded", got)
	}
	if fake.TerminateCount != 1 {
		t.Fatalf("terminate count = %d, want 1", fake.TerminateCount)
	}
}

func TestCloseDuringConcurrentLoad(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, nil, nil)

	// Exercises the instance-lock bookkeeping under the race detector.
	for i := 0; i < 10; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = mgr.Load(context.Background())
		}()
		go func() {
			defer wg.Done()
			mgr.Close()
		}()
		wg.Wait()
	}

	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load after close races: %v", err)
	}
	if got := mgr.State(); got != engine.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestReloadBumpsGeneration(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, nil, nil)

	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := mgr.Generation()
	mgr.Terminate()
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second := mgr.Generation(); second <= first {
		t.Fatalf("generation %d should exceed %d after reload", second, first)
	}
}

func TestWorkspaceOpsRequireLoadedEngine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, nil, nil)

	if err := mgr.WriteInput("in", []byte("x")); services.Kind(err) != services.KindNotLoaded {
		t.Fatalf("WriteInput Kind = %q, want not-loaded", services.Kind(err))
	}
	if _, err := mgr.ReadOutput("out"); services.Kind(err) != services.KindNotLoaded {
		t.Fatalf("ReadOutput Kind = %q, want not-loaded", services.Kind(err))
	}
}

func TestWorkspaceRoundtrip(t *testing.T) {
	fake := testsupport.NewFakeEngine()
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.NewEngineManager(t, cfg, func(string, string) engine.Engine { return fake }, nil)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := mgr.WriteInput("in.bin", []byte("payload")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	got, err := mgr.ReadOutput("in.bin")
	if err != nil || string(got) != "payload" {
		t.Fatalf("ReadOutput = %q, %v", got, err)
	}
	if err := mgr.RemoveWorkspace("in.bin"); err != nil {
		t.Fatalf("RemoveWorkspace: %v", err)
	}
	data, _ := mgr.ReadOutput("in.bin")
	if len(data) != 0 {
		t.Fatalf("workspace entry should be gone, got %q", data)
	}
}
