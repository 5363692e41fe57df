package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"beltlab.ai/internal/engine/sim"
	"beltlab.ai/internal/engine/supervisor"
	"beltlab.ai/internal/evaluator"
	"beltlab.ai/internal/world"
)

func simLauncher() evaluator.Launcher {
	return func(ctx context.Context) (*evaluator.Backend, error) {
		eng := sim.New(500)
		w := world.New(eng, eng.Tick(), world.Config{PollInterval: time.Millisecond}, nil)
		return &evaluator.Backend{
			World: w,
			Info:  supervisor.ConnectionInfo{GamePort: 34197, ConsolePort: 27015, ConsolePassword: "secret"},
			Close: func() error { return nil },
		}, nil
	}
}

func staticProblem() evaluator.ProblemConfig {
	return evaluator.ProblemConfig{Category: evaluator.Static, Dimension: 3}
}

func TestRegistryConcurrentCreates(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxEvaluators: 16, Launcher: simLauncher()})
	defer r.CloseAll()

	const n = 8
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := r.Create(context.Background(), staticProblem())
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids <- entry.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate handle %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("created %d evaluators, want %d", len(seen), n)
	}
	if r.Len() != n {
		t.Fatalf("registry holds %d entries, want %d", r.Len(), n)
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxEvaluators: 2, Launcher: simLauncher()})
	defer r.CloseAll()

	for i := 0; i < 2; i++ {
		if _, err := r.Create(context.Background(), staticProblem()); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := r.Create(context.Background(), staticProblem())
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("error = %v, want CapacityError", err)
	}
	if capErr.Max != 2 {
		t.Fatalf("CapacityError.Max = %d, want 2", capErr.Max)
	}

	// Destroying frees the slot.
	entry := r.List()[0]
	if err := r.Destroy(entry.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := r.Create(context.Background(), staticProblem()); err != nil {
		t.Fatalf("Create after destroy: %v", err)
	}
}

func TestRegistryDestroyUnknown(t *testing.T) {
	r := NewRegistry(RegistryConfig{Launcher: simLauncher()})
	defer r.CloseAll()

	var unknown *UnknownHandleError
	if err := r.Destroy("nope"); !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownHandleError", err)
	}

	entry, err := r.Create(context.Background(), staticProblem())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Destroy(entry.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := r.Destroy(entry.ID); !errors.As(err, &unknown) {
		t.Fatalf("second Destroy = %v, want UnknownHandleError", err)
	}
	if entry.Session.State() != evaluator.StateDestroyed {
		t.Fatalf("session state = %s after destroy", entry.Session.State())
	}
}

func TestRegistryFailedLaunchReleasesSlot(t *testing.T) {
	boom := errors.New("no engine install")
	failing := func(ctx context.Context) (*evaluator.Backend, error) { return nil, boom }
	r := NewRegistry(RegistryConfig{MaxEvaluators: 1, Launcher: failing})

	if _, err := r.Create(context.Background(), staticProblem()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want launch failure", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed create left %d reservations", r.Len())
	}
}
