// Package world is the typed operation set over the console bridge: entity
// placement, bulk queries, inventory manipulation, and deterministic tick
// control for one engine subprocess.
package world

import "math"

// DefaultSurface is the engine's starting surface name.
const DefaultSurface = "nauvis"

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ManhattanDistance between two positions.
func ManhattanDistance(a, b Position) float64 {
	return math.Abs(b.X-a.X) + math.Abs(b.Y-a.Y)
}

// Direction is the engine's 8-way orientation, carried by name on the wire.
type Direction string

const (
	North     Direction = "north"
	Northeast Direction = "northeast"
	East      Direction = "east"
	Southeast Direction = "southeast"
	South     Direction = "south"
	Southwest Direction = "southwest"
	West      Direction = "west"
	Northwest Direction = "northwest"
)

var directionVectors = map[Direction]Position{
	North:     {0, -1},
	Northeast: {1, -1},
	East:      {1, 0},
	Southeast: {1, 1},
	South:     {0, 1},
	Southwest: {-1, 1},
	West:      {-1, 0},
	Northwest: {-1, -1},
}

var oppositeDirections = map[Direction]Direction{
	North:     South,
	Northeast: Southwest,
	East:      West,
	Southeast: Northwest,
	South:     North,
	Southwest: Northeast,
	West:      East,
	Northwest: Southeast,
}

// Vector returns the unit offset for a direction; x points east, y south.
func (d Direction) Vector() Position { return directionVectors[d] }

// Opposite returns the 180-degree rotation.
func (d Direction) Opposite() Direction { return oppositeDirections[d] }

// Offset translates pos by multiple steps along direction.
func Offset(pos Position, d Direction, multiple float64) Position {
	v := d.Vector()
	return Position{X: pos.X + multiple*v.X, Y: pos.Y + multiple*v.Y}
}

// CreateEntityParams describes one placement attempt.
type CreateEntityParams struct {
	Name      string    `json:"name"`
	Position  Position  `json:"position"`
	Direction Direction `json:"direction,omitempty"`
	Force     string    `json:"force,omitempty"`
	Surface   string    `json:"surface,omitempty"`
}

func (p CreateEntityParams) withDefaults() CreateEntityParams {
	if p.Direction == "" {
		p.Direction = North
	}
	if p.Force == "" {
		p.Force = "player"
	}
	if p.Surface == "" {
		p.Surface = DefaultSurface
	}
	return p
}

// EntityDescription is the canonical shape of any placed or queried object.
// Some entity kinds have no unit number; zero means absent.
type EntityDescription struct {
	Surface    string    `json:"surface"`
	Name       string    `json:"name"`
	Position   Position  `json:"position"`
	Direction  Direction `json:"direction"`
	Force      string    `json:"force"`
	UnitNumber int64     `json:"unit_number,omitempty"`
}

// ItemStack is a named quantity of items.
type ItemStack struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Area is an axis-aligned bounding box, [min, max].
type Area [2]Position
