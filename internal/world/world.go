package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"beltlab.ai/internal/rcon"
	"beltlab.ai/internal/rpc"
)

// tickCommand reads the engine's absolute tick counter outside the bridge.
const tickCommand = "/silent-command rcon.print(game.tick)"

// Config tunes the scheduler side of a World. Zero values take defaults.
type Config struct {
	PollInterval time.Duration // delay between tick polls while stepping
	PollRetries  int           // bounded retries for read-only tick polls
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.PollRetries <= 0 {
		c.PollRetries = 2
	}
	return c
}

// World exposes the typed mod operations for one subprocess and owns its
// simulation-time state: the last observed tick and the most recently
// requested target. Both are mutated only through World methods.
type World struct {
	tr     rpc.Transport
	client *rpc.Client
	cfg    Config
	log    *log.Logger

	initialTick uint64
	curTick     uint64
	targetTick  uint64
}

// New binds a World to a console transport. initialTick is the engine tick
// observed at startup; observed ticks are reported relative to it.
func New(tr rpc.Transport, initialTick uint64, cfg Config, logger *log.Logger) *World {
	return &World{
		tr:          tr,
		client:      rpc.NewClient(tr),
		cfg:         cfg.withDefaults(),
		log:         logger,
		initialTick: initialTick,
		curTick:     initialTick,
		targetTick:  initialTick,
	}
}

// CurrentTick is the observed tick relative to world load.
func (w *World) CurrentTick() uint64 { return w.curTick - w.initialTick }

// TargetTick is the most recently requested target, relative to world load.
func (w *World) TargetTick() uint64 { return w.targetTick - w.initialTick }

// Step instructs the engine to run exactly n more ticks at full speed. It
// does not wait for arrival; see Advance.
func (w *World) Step(ctx context.Context, n uint64) error {
	if err := w.client.Call(ctx, "step", []any{n}, nil); err != nil {
		return err
	}
	w.targetTick += n
	return nil
}

// Advance issues a step and blocks until the engine confirms arrival at the
// new target. The observed tick is monotonically non-decreasing and never
// passes the target; overshoot means time control was lost and is reported
// as an error. The context deadline bounds the wait.
func (w *World) Advance(ctx context.Context, n uint64) error {
	if err := w.Step(ctx, n); err != nil {
		return err
	}
	return w.awaitTarget(ctx)
}

// AdvanceTo drives the observed tick to target (relative to world load).
// Targets at or behind the current tick are already satisfied.
func (w *World) AdvanceTo(ctx context.Context, target uint64) error {
	cur := w.CurrentTick()
	if target <= cur {
		return nil
	}
	return w.Advance(ctx, target-cur)
}

func (w *World) awaitTarget(ctx context.Context) error {
	for w.curTick < w.targetTick {
		select {
		case <-ctx.Done():
			return fmt.Errorf("awaiting tick %d at %d: %w", w.TargetTick(), w.CurrentTick(), ctx.Err())
		case <-time.After(w.cfg.PollInterval):
		}
		tick, err := w.pollTick(ctx)
		if err != nil {
			return err
		}
		if tick < w.curTick {
			return fmt.Errorf("tick regressed from %d to %d", w.curTick, tick)
		}
		w.curTick = tick
	}
	if w.curTick > w.targetTick {
		return fmt.Errorf("tick overshot target %d at %d", w.TargetTick(), w.CurrentTick())
	}
	return nil
}

// pollTick queries the absolute engine tick. Polling is read-only and
// idempotent, so a transport failure is retried a bounded number of times;
// everything else surfaces immediately.
func (w *World) pollTick(ctx context.Context) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.PollRetries; attempt++ {
		out, err := w.tr.Exec(ctx, tickCommand)
		if err == nil {
			tick, perr := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
			if perr != nil {
				return 0, fmt.Errorf("unparsable tick %q: %w", out, perr)
			}
			return tick, nil
		}
		var te *rcon.TransportError
		if !errors.As(err, &te) {
			return 0, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

// CreateEntity attempts one placement. A placement blocked by collision
// with existing geometry is not an error: it returns (nil, nil). Any other
// placement failure (unknown prototype, bad surface) is an *rpc.Error.
func (w *World) CreateEntity(ctx context.Context, params CreateEntityParams) (*EntityDescription, error) {
	var desc *EntityDescription
	if err := w.client.Call(ctx, "create_entity", []any{params.withDefaults()}, &desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// CreateEntities places a batch. The returned slice has one slot per input
// in order; collision-blocked placements are nil. Hard failures are
// collected and reported together.
func (w *World) CreateEntities(ctx context.Context, batch []CreateEntityParams) ([]*EntityDescription, error) {
	results := make([]*EntityDescription, len(batch))
	var failures []error
	for i, params := range batch {
		desc, err := w.CreateEntity(ctx, params)
		if err != nil {
			failures = append(failures, fmt.Errorf("entity %d (%s): %w", i, params.Name, err))
			continue
		}
		results[i] = desc
	}
	if len(failures) > 0 {
		if w.log != nil {
			for _, err := range failures {
				w.log.Printf("create_entities: %v", err)
			}
		}
		return results, errors.Join(failures...)
	}
	return results, nil
}

// FindEntities returns every entity inside the bounded area on the given
// surface. An empty result is valid.
func (w *World) FindEntities(ctx context.Context, area Area, surface string) ([]EntityDescription, error) {
	if surface == "" {
		surface = DefaultSurface
	}
	var out []EntityDescription
	if err := w.client.Call(ctx, "find_entities", []any{area, surface}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertItems inserts the stack into the described entity and returns the
// count actually inserted, which may be less than requested when the
// destination is full. Raising is reserved for a vanished entity.
func (w *World) InsertItems(ctx context.Context, entity EntityDescription, stack ItemStack) (int, error) {
	var inserted int
	if err := w.client.Call(ctx, "insert_items", []any{entity, stack}, &inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

// InventoryContents returns item name to count for the described entity.
// An empty inventory decodes as an empty (non-nil) map; the mod's sentinel
// rule keeps it from arriving as a sequence.
func (w *World) InventoryContents(ctx context.Context, entity EntityDescription) (map[string]int, error) {
	var contents map[string]int
	if err := w.client.Call(ctx, "get_inventory_contents", []any{entity}, &contents); err != nil {
		return nil, err
	}
	if contents == nil {
		contents = map[string]int{}
	}
	return contents, nil
}

// DestroyAllEntities removes everything on the named surface. A refused
// removal raises, which signals engine-level inconsistency and is fatal to
// the owning session.
func (w *World) DestroyAllEntities(ctx context.Context, surface string) error {
	if surface == "" {
		surface = DefaultSurface
	}
	return w.client.Call(ctx, "destroy_all_entities", []any{surface}, nil)
}
