package protocol

const (
	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Evaluator routing/state.
	ErrUnknownHandle = "E_UNKNOWN_HANDLE"
	ErrBadState      = "E_BAD_STATE"
	ErrFaulted       = "E_FAULTED"
	ErrCapacity      = "E_CAPACITY"

	// Engine and service failures.
	ErrEngine   = "E_ENGINE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:    {},
	ErrUnknownHandle: {},
	ErrBadState:      {},
	ErrFaulted:       {},
	ErrCapacity:      {},
	ErrEngine:        {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorBody is the JSON error envelope every facade endpoint returns on
// failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
