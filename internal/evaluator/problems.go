// Package evaluator binds one belt placement problem to one supervised
// engine backend and walks it through the evaluation lifecycle.
package evaluator

import (
	"fmt"
	"math"
	"math/rand"

	"beltlab.ai/internal/world"
)

// Problem categories.
type Category string

const (
	Static  Category = "static"  // fixed instance per size, same for every evaluator
	Dynamic Category = "dynamic" // fresh instance per world, reseedable
)

// Supported problem dimensions.
var Dimensions = []int{3, 6, 12}

// Seeds for the static catalog, one per dimension.
var staticSeeds = map[int]int64{3: 42, 6: 43, 12: 44}

const (
	// A tour of the entire space is four times the side length.
	maxPathLengthFactor = 4
	maxItemsPerBeltTile = 4
	// Fast transport belt travel speed in tiles per tick.
	beltTravelSpeed = 3.75 / 60
	// Fast inserter swing time.
	inserterTicksPerRotation = 26
)

// Transform is a position with a facing.
type Transform struct {
	Position  world.Position
	Direction world.Direction
}

// Problem is one generated belt placement instance. The input inserter
// conjures ore into its drop chest; the solver's belts must carry it to
// the output inserter's grab position.
type Problem struct {
	Dimension          int
	InputLocation      Transform
	OutputLocation     Transform
	WallObstacles      []world.Position
	InputOreQuantity   int
	TicksForEvaluation int
}

// InputChestPos is one step beyond the input inserter, along its facing.
func (p Problem) InputChestPos() world.Position {
	return world.Offset(p.InputLocation.Position, p.InputLocation.Direction, 1)
}

// OutputChestPos is one step behind the output inserter.
func (p Problem) OutputChestPos() world.Position {
	return world.Offset(p.OutputLocation.Position, p.OutputLocation.Direction, -1)
}

func defaultOreQuantity(dimension int) int {
	return dimension * maxPathLengthFactor * maxItemsPerBeltTile
}

func defaultEvaluationTicks(oreQuantity, dimension int) int {
	// Enough time to unload all the ore plus one more full-length journey.
	return int(math.Round(float64(oreQuantity*inserterTicksPerRotation) +
		float64(dimension*maxPathLengthFactor)/beltTravelSpeed))
}

// Generate builds a problem instance. It is deterministic for a given rng
// state. A small fraction of generated problems may be unsolvable; that is
// acceptable for the search workloads this serves.
func Generate(dimension int, rng *rand.Rand) (Problem, error) {
	if dimension < 3 {
		return Problem{}, fmt.Errorf("dimension %d too small", dimension)
	}
	input := randomOuterEdgePos(dimension, rng, true)
	output := randomOuterEdgePos(dimension, rng, false)
	// Re-pick until the input cannot feed the output directly (or share a
	// cell with it).
	for world.ManhattanDistance(input.Position, output.Position) < 3 {
		output = randomOuterEdgePos(dimension, rng, false)
	}
	inputDrop := world.Offset(input.Position, input.Direction, -1)
	outputGrab := world.Offset(output.Position, output.Direction, 1)

	var obstacles []world.Position
	// Keeping the count below the side length avoids partitioning the
	// space outright.
	for len(obstacles) < obstacleCount(dimension) {
		pos, ok := pickObstacle(dimension, rng, inputDrop, outputGrab, obstacles)
		if !ok {
			return Problem{}, fmt.Errorf("failed to place wall obstacles for dimension %d", dimension)
		}
		obstacles = append(obstacles, pos)
	}
	quantity := defaultOreQuantity(dimension)
	return Problem{
		Dimension:          dimension,
		InputLocation:      input,
		OutputLocation:     output,
		WallObstacles:      obstacles,
		InputOreQuantity:   quantity,
		TicksForEvaluation: defaultEvaluationTicks(quantity, dimension),
	}, nil
}

// obstacleCount grows with the play area; the smallest boards stay clear so
// their baseline observation is empty.
func obstacleCount(dimension int) int {
	if dimension <= 3 {
		return 0
	}
	return dimension - 3
}

func pickObstacle(dimension int, rng *rand.Rand, inputDrop, outputGrab world.Position, taken []world.Position) (world.Position, bool) {
	// Bounded iteration instead of a potentially endless rejection loop.
	for i := 0; i < 1000; i++ {
		pos := world.Position{X: float64(rng.Intn(dimension)), Y: float64(rng.Intn(dimension))}
		if pos == inputDrop || pos == outputGrab {
			continue
		}
		if containsPosition(taken, pos) {
			continue
		}
		return pos, true
	}
	return world.Position{}, false
}

func containsPosition(list []world.Position, pos world.Position) bool {
	for _, p := range list {
		if p == pos {
			return true
		}
	}
	return false
}

// randomOuterEdgePos samples a cell on the one-tile border around the play
// area. The inserter faces the side it collects from; input inserters face
// the opposite way so they drop inward.
func randomOuterEdgePos(dimension int, rng *rand.Rand, forInput bool) Transform {
	linear := rng.Intn(dimension * 4)
	edge := linear % 4
	offset := float64(linear / 4)
	xs := [4]float64{-1, float64(dimension), offset, offset}
	ys := [4]float64{offset, offset, -1, float64(dimension)}
	dirs := [4]world.Direction{world.East, world.West, world.South, world.North}
	dir := dirs[edge]
	if forInput {
		dir = dir.Opposite()
	}
	return Transform{
		Position:  world.Position{X: xs[edge], Y: ys[edge]},
		Direction: dir,
	}
}

// ProblemClass produces instances of one (category, size) cell of the
// catalog.
type ProblemClass interface {
	Dimension() int
	Instance() (Problem, error)
	// Seed re-seeds the generator; static classes ignore it.
	Seed(seed int64)
	CurrentSeed() int64
}

// StaticClass always hands out the same pre-generated instance.
type StaticClass struct {
	problem Problem
}

func (c *StaticClass) Dimension() int { return c.problem.Dimension }

func (c *StaticClass) Instance() (Problem, error) { return c.problem, nil }

func (c *StaticClass) Seed(int64) {}

func (c *StaticClass) CurrentSeed() int64 { return 0 }

// DynamicClass generates a fresh instance per world from a seedable rng.
type DynamicClass struct {
	dimension int
	seed      int64
	rng       *rand.Rand
}

func (c *DynamicClass) Dimension() int { return c.dimension }

func (c *DynamicClass) Instance() (Problem, error) {
	return Generate(c.dimension, c.rng)
}

func (c *DynamicClass) Seed(seed int64) {
	c.seed = seed
	c.rng = rand.New(rand.NewSource(seed))
}

func (c *DynamicClass) CurrentSeed() int64 { return c.seed }

// NewClass builds the problem class for one configuration. Every call
// returns an independent instance so evaluators never share generator
// state.
func NewClass(category Category, dimension int, seed int64) (ProblemClass, error) {
	if _, ok := staticSeeds[dimension]; !ok {
		return nil, fmt.Errorf("unsupported problem dimension %d", dimension)
	}
	switch category {
	case Static:
		p, err := Generate(dimension, rand.New(rand.NewSource(staticSeeds[dimension])))
		if err != nil {
			return nil, err
		}
		return &StaticClass{problem: p}, nil
	case Dynamic:
		c := &DynamicClass{dimension: dimension}
		c.Seed(seed)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown problem category %q", category)
	}
}
