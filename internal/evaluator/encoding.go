package evaluator

import (
	"fmt"
	"math"

	"beltlab.ai/internal/world"
)

// The matrix encoding enumerates (entity, direction) pairs as small
// integers, zero meaning an empty cell. Order is load-bearing: it is the
// contract with every stored observation and submitted solution.
var encodedEntities = []string{
	"fast-transport-belt",
	"stone-wall",
	"beltlab-void-fast-inserter",
	"steel-chest",
}

var encodedDirections = []world.Direction{
	world.North,
	world.East,
	world.South,
	world.West,
}

// BeltEntity is the only entity a solution may place.
const BeltEntity = "fast-transport-belt"

// OreItem is what flows through the solution.
const OreItem = "iron-ore"

// MaxActionValue is the largest integer a solution cell may hold: zero
// plus the four belt orientations.
func MaxActionValue() int { return len(encodedDirections) }

// MaxObservationValue is the largest integer an observation cell may hold.
func MaxObservationValue() int {
	return len(encodedEntities) * len(encodedDirections)
}

// EncodeEntity maps an (entity, direction) pair to its cell value.
func EncodeEntity(name string, dir world.Direction) (int, error) {
	typeIdx := -1
	for i, n := range encodedEntities {
		if n == name {
			typeIdx = i
			break
		}
	}
	if typeIdx < 0 {
		return 0, fmt.Errorf("entity %q has no encoding", name)
	}
	dirIdx := -1
	for i, d := range encodedDirections {
		if d == dir {
			dirIdx = i
			break
		}
	}
	if dirIdx < 0 {
		return 0, fmt.Errorf("direction %q has no encoding", dir)
	}
	return typeIdx*len(encodedDirections) + dirIdx + 1, nil
}

// DecodeEntity is the inverse of EncodeEntity. Zero has no entity.
func DecodeEntity(value int) (string, world.Direction, error) {
	if value < 1 || value > MaxObservationValue() {
		return "", "", fmt.Errorf("cell value %d out of range", value)
	}
	v := value - 1
	return encodedEntities[v/len(encodedDirections)], encodedDirections[v%len(encodedDirections)], nil
}

// EncodeObservation projects entity descriptions onto the dim x dim play
// area. Entities on the surrounding apron (walls, inserters, chests) fall
// outside the matrix and are omitted; their placement is fixed per problem
// and carries no information for the solver.
func EncodeObservation(dimension int, entities []world.EntityDescription) ([][]int, error) {
	matrix := make([][]int, dimension)
	for i := range matrix {
		matrix[i] = make([]int, dimension)
	}
	for _, e := range entities {
		x := int(math.Floor(e.Position.X))
		y := int(math.Floor(e.Position.Y))
		if x < 0 || x >= dimension || y < 0 || y >= dimension {
			continue
		}
		v, err := EncodeEntity(e.Name, e.Direction)
		if err != nil {
			return nil, fmt.Errorf("observe (%d,%d): %w", x, y, err)
		}
		matrix[y][x] = v
	}
	return matrix, nil
}

// DecodeSolution turns a dim x dim action matrix into placement requests.
// Only belts are expressible; any cell value outside [0, MaxActionValue]
// rejects the whole solution.
func DecodeSolution(dimension int, matrix [][]int) ([]world.CreateEntityParams, error) {
	if len(matrix) != dimension {
		return nil, fmt.Errorf("solution has %d rows, want %d", len(matrix), dimension)
	}
	var params []world.CreateEntityParams
	for y, row := range matrix {
		if len(row) != dimension {
			return nil, fmt.Errorf("solution row %d has %d cells, want %d", y, len(row), dimension)
		}
		for x, v := range row {
			if v == 0 {
				continue
			}
			if v < 0 || v > MaxActionValue() {
				return nil, fmt.Errorf("solution cell (%d,%d) value %d out of range", x, y, v)
			}
			name, dir, err := DecodeEntity(v)
			if err != nil {
				return nil, err
			}
			if name != BeltEntity {
				return nil, fmt.Errorf("solution cell (%d,%d) places %q, only %s is allowed", x, y, name, BeltEntity)
			}
			params = append(params, world.CreateEntityParams{
				Name:      name,
				Position:  world.Position{X: float64(x), Y: float64(y)},
				Direction: dir,
			})
		}
	}
	return params, nil
}
