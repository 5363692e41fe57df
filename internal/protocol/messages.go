package protocol

import "fmt"

// NdArray carries an integer matrix in flattened row-major form. Shape and
// data lengths must agree; only two-dimensional arrays are accepted by the
// facade.
type NdArray struct {
	Shape []int `json:"shape"`
	Data  []int `json:"data"`
}

// FromMatrix flattens a row-major matrix. Ragged input is the caller's
// bug; Validate on the result catches it.
func FromMatrix(m [][]int) NdArray {
	rows := len(m)
	cols := 0
	if rows > 0 {
		cols = len(m[0])
	}
	a := NdArray{Shape: []int{rows, cols}, Data: make([]int, 0, rows*cols)}
	for _, row := range m {
		a.Data = append(a.Data, row...)
	}
	return a
}

// Validate checks shape/data consistency.
func (a NdArray) Validate() error {
	if len(a.Shape) != 2 {
		return fmt.Errorf("ndarray has %d dimensions, want 2", len(a.Shape))
	}
	product := 1
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("ndarray dimension %d is negative", d)
		}
		product *= d
	}
	if product != len(a.Data) {
		return fmt.Errorf("ndarray shape %v wants %d values, data holds %d", a.Shape, product, len(a.Data))
	}
	return nil
}

// Matrix reconstitutes the row-major matrix.
func (a NdArray) Matrix() ([][]int, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	rows, cols := a.Shape[0], a.Shape[1]
	m := make([][]int, rows)
	for i := 0; i < rows; i++ {
		m[i] = a.Data[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m, nil
}

// CreateEvaluatorRequest (POST /v1/evaluators)
type CreateEvaluatorRequest struct {
	Category      string `json:"category"`
	Dimension     int    `json:"dimension"`
	Seed          int64  `json:"seed,omitempty"`
	Deterministic bool   `json:"deterministic,omitempty"`
}

type CreateEvaluatorResponse struct {
	EvaluatorID string `json:"evaluator_id"`
	State       string `json:"state"`
}

// EvaluatorStatus (GET /v1/evaluators and .../{id})
type EvaluatorStatus struct {
	EvaluatorID string `json:"evaluator_id"`
	State       string `json:"state"`
	Category    string `json:"category"`
	Dimension   int    `json:"dimension"`
}

// CreateWorldResponse (POST /v1/evaluators/{id}/world)
type CreateWorldResponse struct {
	Observation NdArray `json:"observation"`
	State       string  `json:"state"`
}

// EvaluateRequest (POST /v1/evaluators/{id}/fitness)
type EvaluateRequest struct {
	Solution NdArray `json:"solution"`
}

type EvaluateResponse struct {
	Score int64  `json:"score"`
	State string `json:"state"`
}

// SaveWorldRequest (POST /v1/evaluators/{id}/save)
type SaveWorldRequest struct {
	Path string `json:"path"`
}

type SaveWorldResponse struct {
	Path string `json:"path"`
}

// ConnectionInfoResponse (GET /v1/evaluators/{id}/connection)
type ConnectionInfoResponse struct {
	GameAddress     string `json:"game_address"`
	GamePassword    string `json:"game_password,omitempty"`
	ConsoleAddress  string `json:"console_address"`
	ConsolePassword string `json:"console_password"`
}
