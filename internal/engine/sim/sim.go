// Package sim is an in-process stand-in for an engine subprocess. It backs
// the bridge with the same callee semantics the in-engine mod implements:
// the dispatch table, the collision rule for placement, the sentinel rule
// for inventories, and pause-at-target tick control. The service uses it
// when running without an engine install; the tests use it everywhere.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"beltlab.ai/internal/rpc"
	"beltlab.ai/internal/world"
)

const (
	beltName     = "fast-transport-belt"
	inserterName = "beltlab-void-fast-inserter"

	// A fast belt covers a tile in 16 ticks; a fast inserter swing takes 26.
	beltTicksPerTile   = 16
	inserterSwingTicks = 26
)

// prototypes the engine double knows, with their item capacity.
var prototypes = map[string]int{
	"stone-wall":  0,
	beltName:      4, // items per tile
	"steel-chest": 2400,
	inserterName:  0,
}

type cell struct{ x, y int }

type entity struct {
	desc      world.EntityDescription
	inventory map[string]int
}

type surface struct {
	cells map[cell]*entity
}

// Engine is one simulated subprocess. The mutex models the engine's
// single-threaded event loop: one console command runs to completion at a
// time.
type Engine struct {
	mu       sync.Mutex
	tick     uint64
	target   uint64
	stepping bool
	surfaces map[string]*surface
	nextUnit int64
	disp     *rpc.Dispatcher
}

// New builds an engine double whose clock starts at startTick.
func New(startTick uint64) *Engine {
	e := &Engine{
		tick:     startTick,
		target:   startTick,
		surfaces: map[string]*surface{world.DefaultSurface: {cells: map[cell]*entity{}}},
	}
	e.disp = rpc.NewDispatcher(map[string]rpc.Handler{
		"step":                   e.handleStep,
		"create_entity":          e.handleCreateEntity,
		"find_entities":          e.handleFindEntities,
		"insert_items":           e.handleInsertItems,
		"get_inventory_contents": e.handleInventoryContents,
		"destroy_all_entities":   e.handleDestroyAll,
	})
	return e
}

// Tick returns the absolute engine tick.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Exec implements the console transport against the double. It understands
// the two command shapes the world layer emits: the bridged dispatch call
// and the raw tick query.
func (e *Engine) Exec(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(command, "rcon.print(game.tick)") {
		e.mu.Lock()
		defer e.mu.Unlock()
		// While stepping the engine runs at an effectively unbounded rate:
		// by the next poll it has reached the target and paused there.
		if e.stepping && e.tick < e.target {
			e.advanceLocked(e.target)
			e.stepping = false
		}
		return strconv.FormatUint(e.tick, 10), nil
	}
	encoded, err := unwrapDispatch(command)
	if err != nil {
		return "", err
	}
	return e.disp.Dispatch(encoded), nil
}

func unwrapDispatch(command string) (string, error) {
	prefix := fmt.Sprintf("/silent-command rcon.print(remote.call('%s', 'call', '", rpc.Interface)
	const suffix = "'))"
	if !strings.HasPrefix(command, prefix) || !strings.HasSuffix(command, suffix) {
		return "", fmt.Errorf("sim: unrecognized console command %q", command)
	}
	return strings.TrimSuffix(strings.TrimPrefix(command, prefix), suffix), nil
}

// decodeParam re-marshals one positional param into a typed value.
func decodeParam(param any, out any) error {
	b, err := json.Marshal(param)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (e *Engine) handleStep(params []any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("step wants 1 param, got %d", len(params))
	}
	var n uint64
	if err := decodeParam(params[0], &n); err != nil {
		return nil, fmt.Errorf("step: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target += n
	e.stepping = e.tick < e.target
	return nil, nil
}

// advanceLocked runs the clock forward to target, moving items the way the
// engine does: every swing an inserter carries one item from the tile it
// faces to the tile behind it, and belts hand their load one tile along
// their facing.
func (e *Engine) advanceLocked(target uint64) {
	for e.tick < target {
		e.tick++
		if e.tick%inserterSwingTicks == 0 {
			for _, s := range e.surfaces {
				s.swingInserters()
			}
		}
		if e.tick%beltTicksPerTile == 0 {
			for _, s := range e.surfaces {
				s.moveBelts()
			}
		}
	}
}

func (s *surface) swingInserters() {
	for _, c := range s.sortedCells(inserterName) {
		ins := s.cells[c]
		v := ins.desc.Direction.Vector()
		source, ok := s.cells[cell{x: c.x + int(v.X), y: c.y + int(v.Y)}]
		if !ok {
			continue
		}
		dest, ok := s.cells[cell{x: c.x - int(v.X), y: c.y - int(v.Y)}]
		if !ok || itemRoom(dest) <= 0 {
			continue
		}
		item, ok := firstItem(source.inventory)
		if !ok {
			continue
		}
		takeItem(source, item)
		dest.inventory[item]++
	}
}

func (s *surface) moveBelts() {
	belts := s.sortedCells(beltName)
	// Each item may travel at most one tile per sweep, so only what a belt
	// held at the start is eligible to leave it.
	avail := map[cell]int{}
	for _, c := range belts {
		avail[c] = itemCount(s.cells[c].inventory)
	}
	// Keep sweeping while transfers happen: a downstream belt that moves
	// frees the tile its upstream neighbor is waiting on.
	for moved := true; moved; {
		moved = false
		for _, c := range belts {
			if avail[c] == 0 {
				continue
			}
			ent := s.cells[c]
			v := ent.desc.Direction.Vector()
			dest, ok := s.cells[cell{x: c.x + int(v.X), y: c.y + int(v.Y)}]
			if !ok || dest.desc.Name != beltName {
				// Nothing to hand off to; the load waits for an inserter.
				avail[c] = 0
				continue
			}
			if itemRoom(dest) <= 0 {
				continue
			}
			item, ok := firstItem(ent.inventory)
			if !ok {
				avail[c] = 0
				continue
			}
			takeItem(ent, item)
			dest.inventory[item]++
			avail[c]--
			moved = true
		}
	}
}

func (s *surface) sortedCells(name string) []cell {
	var out []cell
	for c, ent := range s.cells {
		if ent.desc.Name == name {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].y != out[j].y {
			return out[i].y < out[j].y
		}
		return out[i].x < out[j].x
	})
	return out
}

func takeItem(ent *entity, item string) {
	ent.inventory[item]--
	if ent.inventory[item] == 0 {
		delete(ent.inventory, item)
	}
}

func itemRoom(ent *entity) int {
	return prototypes[ent.desc.Name] - itemCount(ent.inventory)
}

func itemCount(inventory map[string]int) int {
	total := 0
	for _, n := range inventory {
		total += n
	}
	return total
}

// firstItem picks the alphabetically first held item so transfers are
// deterministic.
func firstItem(inventory map[string]int) (string, bool) {
	names := make([]string, 0, len(inventory))
	for name, n := range inventory {
		if n > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

func (e *Engine) handleCreateEntity(params []any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("create_entity wants 1 param, got %d", len(params))
	}
	var p world.CreateEntityParams
	if err := decodeParam(params[0], &p); err != nil {
		return nil, fmt.Errorf("create_entity: %w", err)
	}
	if _, known := prototypes[p.Name]; !known {
		return nil, fmt.Errorf("unknown entity prototype %q", p.Name)
	}
	if p.Direction == "" {
		p.Direction = world.North
	}
	if p.Force == "" {
		p.Force = "player"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.surfaceLocked(p.Surface)
	if err != nil {
		return nil, err
	}
	c := cellFor(p.Position)
	if _, occupied := s.cells[c]; occupied {
		// Collision with existing geometry is "no effect", not an error.
		return nil, nil
	}
	e.nextUnit++
	ent := &entity{
		desc: world.EntityDescription{
			Surface:    surfaceName(p.Surface),
			Name:       p.Name,
			Position:   world.Position{X: float64(c.x) + 0.5, Y: float64(c.y) + 0.5},
			Direction:  p.Direction,
			Force:      p.Force,
			UnitNumber: e.nextUnit,
		},
		inventory: map[string]int{},
	}
	s.cells[c] = ent
	return ent.desc, nil
}

func (e *Engine) handleFindEntities(params []any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("find_entities wants 2 params, got %d", len(params))
	}
	var area world.Area
	if err := decodeParam(params[0], &area); err != nil {
		return nil, fmt.Errorf("find_entities: %w", err)
	}
	var name string
	if err := decodeParam(params[1], &name); err != nil {
		return nil, fmt.Errorf("find_entities: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.surfaceLocked(name)
	if err != nil {
		return nil, err
	}
	out := []world.EntityDescription{}
	for _, ent := range s.cells {
		p := ent.desc.Position
		if p.X >= area[0].X && p.Y >= area[0].Y && p.X <= area[1].X && p.Y <= area[1].Y {
			out = append(out, ent.desc)
		}
	}
	sortDescriptions(out)
	return out, nil
}

func (e *Engine) handleInsertItems(params []any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("insert_items wants 2 params, got %d", len(params))
	}
	var desc world.EntityDescription
	if err := decodeParam(params[0], &desc); err != nil {
		return nil, fmt.Errorf("insert_items: %w", err)
	}
	var stack world.ItemStack
	if err := decodeParam(params[1], &stack); err != nil {
		return nil, fmt.Errorf("insert_items: %w", err)
	}
	if stack.Count < 0 {
		return nil, fmt.Errorf("negative item count %d", stack.Count)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, err := e.lookupLocked(desc)
	if err != nil {
		return nil, err
	}
	room := itemRoom(ent)
	if room < 0 {
		room = 0
	}
	inserted := stack.Count
	if inserted > room {
		inserted = room
	}
	if inserted > 0 {
		ent.inventory[stack.Name] += inserted
	}
	return inserted, nil
}

func (e *Engine) handleInventoryContents(params []any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("get_inventory_contents wants 1 param, got %d", len(params))
	}
	var desc world.EntityDescription
	if err := decodeParam(params[0], &desc); err != nil {
		return nil, fmt.Errorf("get_inventory_contents: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, err := e.lookupLocked(desc)
	if err != nil {
		return nil, err
	}
	contents := rpc.MapResult{}
	for item, n := range ent.inventory {
		contents[item] = n
	}
	return contents, nil
}

func (e *Engine) handleDestroyAll(params []any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("destroy_all_entities wants 1 param, got %d", len(params))
	}
	var name string
	if err := decodeParam(params[0], &name); err != nil {
		return nil, fmt.Errorf("destroy_all_entities: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.surfaceLocked(name)
	if err != nil {
		return nil, err
	}
	s.cells = map[cell]*entity{}
	return nil, nil
}

func (e *Engine) surfaceLocked(name string) (*surface, error) {
	s, ok := e.surfaces[surfaceName(name)]
	if !ok {
		return nil, fmt.Errorf("no such surface %q", name)
	}
	return s, nil
}

// lookupLocked resolves an entity description the way the mod does: by
// surface, floored position and prototype name.
func (e *Engine) lookupLocked(desc world.EntityDescription) (*entity, error) {
	s, err := e.surfaceLocked(desc.Surface)
	if err != nil {
		return nil, err
	}
	ent, ok := s.cells[cellFor(desc.Position)]
	if !ok || ent.desc.Name != desc.Name {
		return nil, fmt.Errorf("no %s at (%g, %g)", desc.Name, desc.Position.X, desc.Position.Y)
	}
	return ent, nil
}

func surfaceName(name string) string {
	if name == "" {
		return world.DefaultSurface
	}
	return name
}

func cellFor(p world.Position) cell {
	return cell{x: int(math.Floor(p.X)), y: int(math.Floor(p.Y))}
}

// sortDescriptions orders results row-major so queries are deterministic.
func sortDescriptions(descs []world.EntityDescription) {
	sort.Slice(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.Position.Y != b.Position.Y {
			return a.Position.Y < b.Position.Y
		}
		if a.Position.X != b.Position.X {
			return a.Position.X < b.Position.X
		}
		return a.UnitNumber < b.UnitNumber
	})
}
