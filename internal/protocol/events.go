package protocol

// Event kinds published on the websocket stream.
const (
	EventEvaluatorCreated   = "evaluator_created"
	EventEvaluatorDestroyed = "evaluator_destroyed"
	EventWorldCreated       = "world_created"
	EventFitnessEvaluated   = "fitness_evaluated"
	EventWorldSaved         = "world_saved"
	EventEvaluatorFaulted   = "evaluator_faulted"
)

// EventMsg (server -> client on /v1/events). Seq is taken from one counter
// shared by all subscribers; a gap in the values a connection sees means it
// fell behind and messages were dropped.
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	At              string `json:"at"` // RFC3339Nano
	Kind            string `json:"kind"`
	EvaluatorID     string `json:"evaluator_id,omitempty"`
	State           string `json:"state,omitempty"`
	Score           *int64 `json:"score,omitempty"`
	Detail          string `json:"detail,omitempty"`
}
