package evaluator

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"beltlab.ai/internal/engine/supervisor"
	"beltlab.ai/internal/world"
)

// State names one point of the session lifecycle. FAULTED and DESTROYED
// are terminal for everything except Close.
type State string

const (
	StateCreated    State = "CREATED"
	StateWorldReady State = "WORLD_READY"
	StateEvaluating State = "EVALUATING"
	StateFaulted    State = "FAULTED"
	StateDestroyed  State = "DESTROYED"
)

// StateError reports an operation attempted from the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// InvalidInputError marks caller mistakes: an unknown problem
// configuration or a malformed solution. These never fault the session.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string { return e.Err.Error() }
func (e *InvalidInputError) Unwrap() error { return e.Err }

// Backend is one live engine subprocess as the session consumes it. The
// launcher that produced it decides whether the engine is a real
// supervised process or the in-memory one.
type Backend struct {
	World *world.World
	Info  supervisor.ConnectionInfo
	Save  func(ctx context.Context, path string) error
	Close func() error
}

// Launcher starts a fresh backend. Deterministic sessions call it once per
// world build.
type Launcher func(ctx context.Context) (*Backend, error)

// ProblemConfig selects one cell of the problem catalog.
type ProblemConfig struct {
	Category  Category
	Dimension int
	Seed      int64
	// Deterministic rebuilds the subprocess for every world so runs
	// starting from the same seed replay identically.
	Deterministic bool
}

// Config assembles a session.
type Config struct {
	Problem  ProblemConfig
	Launcher Launcher
	Logger   *log.Logger
}

// Session owns one problem class and one backend, and serializes all
// operations against them. A session starts its backend eagerly so
// connection info is available before the first world build.
type Session struct {
	mu sync.Mutex

	state         State
	class         ProblemClass
	deterministic bool
	launcher      Launcher
	log           *log.Logger

	backend    *Backend
	worldBuilt bool

	problem     Problem
	inputChest  world.EntityDescription
	outputChest world.EntityDescription
}

// NewSession builds the problem class and launches the backend.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("evaluator: launcher is required")
	}
	class, err := NewClass(cfg.Problem.Category, cfg.Problem.Dimension, cfg.Problem.Seed)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	backend, err := cfg.Launcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluator: launch backend: %w", err)
	}
	return &Session{
		state:         StateCreated,
		class:         class,
		deterministic: cfg.Problem.Deterministic,
		launcher:      cfg.Launcher,
		log:           cfg.Logger,
		backend:       backend,
	}, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionInfo exposes the live backend's ports and credentials so a
// human can attach a client or console to the running world.
func (s *Session) ConnectionInfo() (supervisor.ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed || s.state == StateFaulted || s.backend == nil {
		return supervisor.ConnectionInfo{}, &StateError{Op: "connection info", State: s.state}
	}
	return s.backend.Info, nil
}

// Seed re-seeds the problem generator for subsequent world builds. Static
// problem classes ignore it.
func (s *Session) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.class.Seed(seed)
}

// CreateWorld clears the surface, instantiates the next problem from the
// class, fills the input chest with ore, and returns the baseline
// observation. Callable from CREATED and again from WORLD_READY to roll a
// new instance.
func (s *Session) CreateWorld(ctx context.Context) ([][]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated && s.state != StateWorldReady {
		return nil, &StateError{Op: "create world", State: s.state}
	}
	if err := s.ensureBackendLocked(ctx); err != nil {
		return nil, s.faultLocked("create world", err)
	}
	obs, err := s.buildWorldLocked(ctx)
	if err != nil {
		return nil, s.faultLocked("create world", err)
	}
	s.worldBuilt = true
	s.state = StateWorldReady
	return obs, nil
}

// EvaluateFitness places the solution's belts, runs the problem's
// evaluation window at full speed, and scores ore moved. The session
// returns to WORLD_READY on success; any engine fault is terminal.
func (s *Session) EvaluateFitness(ctx context.Context, solution [][]int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWorldReady {
		return 0, &StateError{Op: "evaluate fitness", State: s.state}
	}
	placements, err := DecodeSolution(s.problem.Dimension, solution)
	if err != nil {
		// A malformed solution is the caller's problem, not the engine's.
		return 0, &InvalidInputError{Err: err}
	}
	s.state = StateEvaluating
	score, err := s.runEvaluationLocked(ctx, placements)
	if err != nil {
		return 0, s.faultLocked("evaluate fitness", err)
	}
	s.state = StateWorldReady
	return score, nil
}

// SaveWorld snapshots the running world to destPath on the service host.
func (s *Session) SaveWorld(ctx context.Context, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWorldReady {
		return &StateError{Op: "save world", State: s.state}
	}
	if s.backend.Save == nil {
		return fmt.Errorf("evaluator: backend does not support saving")
	}
	if err := s.backend.Save(ctx, destPath); err != nil {
		return s.faultLocked("save world", err)
	}
	return nil
}

// Observation re-reads the play area without mutating it.
func (s *Session) Observation(ctx context.Context) ([][]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWorldReady {
		return nil, &StateError{Op: "observation", State: s.state}
	}
	obs, err := s.observeLocked(ctx)
	if err != nil {
		return nil, s.faultLocked("observation", err)
	}
	return obs, nil
}

// CurrentProblem returns the instance backing the live world.
func (s *Session) CurrentProblem() (Problem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.worldBuilt {
		return Problem{}, false
	}
	return s.problem, true
}

// Close tears down the backend. Idempotent; safe from every state.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return nil
	}
	err := s.closeBackendLocked()
	s.state = StateDestroyed
	return err
}

func (s *Session) closeBackendLocked() error {
	if s.backend == nil {
		return nil
	}
	b := s.backend
	s.backend = nil
	if b.Close == nil {
		return nil
	}
	return b.Close()
}

// ensureBackendLocked relaunches the subprocess when determinism demands a
// pristine world, or when a previous relaunch left none behind.
func (s *Session) ensureBackendLocked(ctx context.Context) error {
	if s.backend != nil && !(s.deterministic && s.worldBuilt) {
		return nil
	}
	if err := s.closeBackendLocked(); err != nil && s.log != nil {
		s.log.Printf("evaluator: close backend before relaunch: %v", err)
	}
	backend, err := s.launcher(ctx)
	if err != nil {
		return fmt.Errorf("relaunch backend: %w", err)
	}
	s.backend = backend
	s.worldBuilt = false
	return nil
}

func (s *Session) faultLocked(op string, err error) error {
	s.state = StateFaulted
	if s.log != nil {
		s.log.Printf("evaluator: faulted during %s: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) buildWorldLocked(ctx context.Context) ([][]int, error) {
	w := s.backend.World
	if err := w.DestroyAllEntities(ctx, ""); err != nil {
		return nil, fmt.Errorf("clear surface: %w", err)
	}
	problem, err := s.class.Instance()
	if err != nil {
		return nil, fmt.Errorf("generate problem: %w", err)
	}
	s.problem = problem

	batch := problemEntities(problem)
	descs, err := w.CreateEntities(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("build fixtures: %w", err)
	}
	inputChest, outputChest, err := locateChests(problem, batch, descs)
	if err != nil {
		return nil, err
	}
	s.inputChest = inputChest
	s.outputChest = outputChest

	stack := world.ItemStack{Name: OreItem, Count: problem.InputOreQuantity}
	inserted, err := w.InsertItems(ctx, inputChest, stack)
	if err != nil {
		return nil, fmt.Errorf("seed input chest: %w", err)
	}
	if inserted != problem.InputOreQuantity {
		return nil, fmt.Errorf("seed input chest: inserted %d of %d", inserted, problem.InputOreQuantity)
	}
	return s.observeLocked(ctx)
}

func (s *Session) observeLocked(ctx context.Context) ([][]int, error) {
	dim := float64(s.problem.Dimension)
	area := world.Area{
		world.Position{X: -2, Y: -2},
		world.Position{X: dim + 2, Y: dim + 2},
	}
	entities, err := s.backend.World.FindEntities(ctx, area, "")
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	return EncodeObservation(s.problem.Dimension, entities)
}

func (s *Session) runEvaluationLocked(ctx context.Context, placements []world.CreateEntityParams) (int64, error) {
	w := s.backend.World
	// Collisions with fixtures or obstacles are allowed and simply leave
	// the cell as it was; that is part of the solution's score.
	if _, err := w.CreateEntities(ctx, placements); err != nil {
		return 0, fmt.Errorf("place solution: %w", err)
	}
	if err := w.Advance(ctx, uint64(s.problem.TicksForEvaluation)); err != nil {
		return 0, fmt.Errorf("advance %d ticks: %w", s.problem.TicksForEvaluation, err)
	}
	remaining, err := w.InventoryContents(ctx, s.inputChest)
	if err != nil {
		return 0, fmt.Errorf("read input chest: %w", err)
	}
	delivered, err := w.InventoryContents(ctx, s.outputChest)
	if err != nil {
		return 0, fmt.Errorf("read output chest: %w", err)
	}
	return scoreFitness(s.problem, remaining[OreItem], delivered[OreItem]), nil
}

// scoreFitness rewards draining the input chest linearly and weights every
// delivered item by the full ore quantity, so any delivery dominates any
// amount of mere unloading.
func scoreFitness(p Problem, inputRemaining, outputDelivered int) int64 {
	q := int64(p.InputOreQuantity)
	return q - int64(inputRemaining) + int64(outputDelivered)*q
}

// problemEntities lays out the fixed geometry: a wall apron around the
// play area with the two void inserters and their chests let into it, plus
// the interior wall obstacles.
func problemEntities(p Problem) []world.CreateEntityParams {
	inputChestPos := p.InputChestPos()
	outputChestPos := p.OutputChestPos()
	dim := p.Dimension

	var batch []world.CreateEntityParams
	for y := -2; y < dim+2; y++ {
		for x := -2; x < dim+2; x++ {
			pos := world.Position{X: float64(x), Y: float64(y)}
			switch {
			case pos == p.InputLocation.Position:
				batch = append(batch, world.CreateEntityParams{
					Name:      "beltlab-void-fast-inserter",
					Position:  pos,
					Direction: p.InputLocation.Direction,
				})
			case pos == p.OutputLocation.Position:
				batch = append(batch, world.CreateEntityParams{
					Name:      "beltlab-void-fast-inserter",
					Position:  pos,
					Direction: p.OutputLocation.Direction,
				})
			case pos == inputChestPos || pos == outputChestPos:
				batch = append(batch, world.CreateEntityParams{
					Name:     "steel-chest",
					Position: pos,
				})
			case x < 0 || x >= dim || y < 0 || y >= dim:
				batch = append(batch, world.CreateEntityParams{
					Name:     "stone-wall",
					Position: pos,
				})
			}
		}
	}
	for _, pos := range p.WallObstacles {
		batch = append(batch, world.CreateEntityParams{
			Name:     "stone-wall",
			Position: pos,
		})
	}
	return batch
}

// locateChests picks the placed chest descriptions back out of the batch
// results. Fixtures are placed on a cleared surface, so a missing slot
// means the engine is out of step with us.
func locateChests(p Problem, batch []world.CreateEntityParams, descs []*world.EntityDescription) (input, output world.EntityDescription, err error) {
	var haveInput, haveOutput bool
	for i, params := range batch {
		if descs[i] == nil {
			return input, output, fmt.Errorf("fixture %s at (%g,%g) was not placed", params.Name, params.Position.X, params.Position.Y)
		}
		if params.Name != "steel-chest" {
			continue
		}
		switch {
		case samePosition(params.Position, p.InputChestPos()):
			input, haveInput = *descs[i], true
		case samePosition(params.Position, p.OutputChestPos()):
			output, haveOutput = *descs[i], true
		}
	}
	if !haveInput || !haveOutput {
		return input, output, fmt.Errorf("chest fixtures missing from build results")
	}
	return input, output, nil
}

func samePosition(a, b world.Position) bool {
	return math.Floor(a.X) == math.Floor(b.X) && math.Floor(a.Y) == math.Floor(b.Y)
}
