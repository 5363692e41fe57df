package world_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"beltlab.ai/internal/engine/sim"
	"beltlab.ai/internal/rpc"
	"beltlab.ai/internal/world"
)

func newTestWorld(t *testing.T) (*world.World, *sim.Engine) {
	t.Helper()
	eng := sim.New(120) // nonzero start: observed ticks are relative
	w := world.New(eng, eng.Tick(), world.Config{PollInterval: time.Millisecond}, nil)
	return w, eng
}

func TestCreateEntityAndFind(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	desc, err := w.CreateEntity(ctx, world.CreateEntityParams{
		Name:     "steel-chest",
		Position: world.Position{X: 2, Y: 3},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if desc == nil {
		t.Fatalf("expected a description for successful placement")
	}
	if desc.Name != "steel-chest" || desc.Force != "player" || desc.Surface != world.DefaultSurface {
		t.Fatalf("desc = %+v", desc)
	}

	found, err := w.FindEntities(ctx, world.Area{world.Position{X: 0, Y: 0}, world.Position{X: 10, Y: 10}}, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].UnitNumber != desc.UnitNumber {
		t.Fatalf("found = %+v", found)
	}
}

func TestCreateEntityCollisionIsNoEffect(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	if _, err := w.CreateEntity(ctx, world.CreateEntityParams{Name: "stone-wall", Position: world.Position{X: 1, Y: 1}}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	desc, err := w.CreateEntity(ctx, world.CreateEntityParams{Name: "steel-chest", Position: world.Position{X: 1.2, Y: 1.9}})
	if err != nil {
		t.Fatalf("collision must not be an error: %v", err)
	}
	if desc != nil {
		t.Fatalf("collision should yield no effect, got %+v", desc)
	}
}

func TestCreateEntityUnknownPrototype(t *testing.T) {
	w, _ := newTestWorld(t)
	_, err := w.CreateEntity(context.Background(), world.CreateEntityParams{Name: "warp-gate", Position: world.Position{X: 0, Y: 0}})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}
	if rpcErr.Code != rpc.CodeHandlerFailure {
		t.Fatalf("code = %d", rpcErr.Code)
	}
}

func TestInsertAndInventory(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	chest, err := w.CreateEntity(ctx, world.CreateEntityParams{Name: "steel-chest", Position: world.Position{X: 0, Y: 0}})
	if err != nil || chest == nil {
		t.Fatalf("create chest: %v %v", chest, err)
	}

	// A fresh chest reports an empty mapping, not a sequence and not nil.
	contents, err := w.InventoryContents(ctx, *chest)
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	if contents == nil || len(contents) != 0 {
		t.Fatalf("contents = %v, want empty map", contents)
	}

	n, err := w.InsertItems(ctx, *chest, world.ItemStack{Name: "iron-ore", Count: 48})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 48 {
		t.Fatalf("inserted = %d, want 48", n)
	}

	// Overfill: the destination accepts only what fits.
	n, err = w.InsertItems(ctx, *chest, world.ItemStack{Name: "iron-ore", Count: 5000})
	if err != nil {
		t.Fatalf("insert overfill: %v", err)
	}
	if n != 2400-48 {
		t.Fatalf("inserted = %d, want %d", n, 2400-48)
	}

	contents, err = w.InventoryContents(ctx, *chest)
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	if contents["iron-ore"] != 2400 {
		t.Fatalf("contents = %v", contents)
	}
}

func TestInsertIntoMissingEntityRaises(t *testing.T) {
	w, _ := newTestWorld(t)
	ghost := world.EntityDescription{Surface: world.DefaultSurface, Name: "steel-chest", Position: world.Position{X: 9, Y: 9}}
	_, err := w.InsertItems(context.Background(), ghost, world.ItemStack{Name: "iron-ore", Count: 1})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}
}

func TestDestroyAllEntities(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()
	for x := 0; x < 3; x++ {
		if _, err := w.CreateEntity(ctx, world.CreateEntityParams{Name: "stone-wall", Position: world.Position{X: float64(x), Y: 0}}); err != nil {
			t.Fatalf("create %d: %v", x, err)
		}
	}
	if err := w.DestroyAllEntities(ctx, ""); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	found, err := w.FindEntities(ctx, world.Area{world.Position{X: -10, Y: -10}, world.Position{X: 10, Y: 10}}, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("found = %+v, want none", found)
	}
}

func TestAdvanceReachesExactTarget(t *testing.T) {
	w, eng := newTestWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Advance(ctx, 30); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := w.CurrentTick(); got != 30 {
		t.Fatalf("tick = %d, want 30", got)
	}
	if err := w.Advance(ctx, 12); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := w.CurrentTick(); got != 42 {
		t.Fatalf("tick = %d, want 42", got)
	}
	// The engine itself paused exactly at the absolute target.
	if eng.Tick() != 120+42 {
		t.Fatalf("engine tick = %d, want %d", eng.Tick(), 120+42)
	}
}

func TestAdvanceToIsMonotonic(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.AdvanceTo(ctx, 10); err != nil {
		t.Fatalf("advance to 10: %v", err)
	}
	// Going backwards is already satisfied, never a regression.
	if err := w.AdvanceTo(ctx, 5); err != nil {
		t.Fatalf("advance to 5: %v", err)
	}
	if got := w.CurrentTick(); got != 10 {
		t.Fatalf("tick = %d, want 10", got)
	}
	if err := w.AdvanceTo(ctx, 25); err != nil {
		t.Fatalf("advance to 25: %v", err)
	}
	if got := w.CurrentTick(); got != 25 {
		t.Fatalf("tick = %d, want 25", got)
	}
}

func TestAdvanceHonorsDeadline(t *testing.T) {
	frozen := &frozenPolls{eng: sim.New(0)}
	w := world.New(frozen, 0, world.Config{PollInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := w.Advance(ctx, 10)
	if err == nil {
		t.Fatalf("expected deadline fault")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// frozenPolls forwards dispatch calls but reports a never-advancing tick.
type frozenPolls struct {
	eng *sim.Engine
}

func (f *frozenPolls) Exec(ctx context.Context, command string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if command == "/silent-command rcon.print(game.tick)" {
		return "0", nil
	}
	return f.eng.Exec(ctx, command)
}
