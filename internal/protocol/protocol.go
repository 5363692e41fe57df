// Package protocol defines the wire types of the evaluator facade: the
// HTTP request/response bodies, the websocket event stream, and the error
// code vocabulary shared by both.
package protocol

import "encoding/json"

const Version = "1.0"

// Websocket message types.
const (
	TypeEvent = "EVENT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
