package service

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"beltlab.ai/internal/engine/supervisor"
	"beltlab.ai/internal/evaluator"
	"beltlab.ai/internal/persistence/indexdb"
	plog "beltlab.ai/internal/persistence/log"
	"beltlab.ai/internal/protocol"
	"beltlab.ai/internal/rcon"
	"beltlab.ai/internal/rpc"
)

// Server wires the registry to its HTTP surface and side channels: the
// audit/run logs, the sqlite index, and the event hub. Every side channel
// is optional.
type Server struct {
	registry *Registry
	hub      *Hub
	audit    *plog.AuditLogger
	runs     *plog.RunLogger
	index    *indexdb.SQLiteIndex
	log      *log.Logger
}

// ServerConfig assembles a Server. Registry is required.
type ServerConfig struct {
	Registry *Registry
	Hub      *Hub
	Audit    *plog.AuditLogger
	Runs     *plog.RunLogger
	Index    *indexdb.SQLiteIndex
	Logger   *log.Logger
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		registry: cfg.Registry,
		hub:      cfg.Hub,
		audit:    cfg.Audit,
		runs:     cfg.Runs,
		index:    cfg.Index,
		log:      cfg.Logger,
	}
}

// Routes builds the facade mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluators", s.handleCreate)
	mux.HandleFunc("GET /v1/evaluators", s.handleList)
	mux.HandleFunc("GET /v1/evaluators/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/evaluators/{id}", s.handleDestroy)
	mux.HandleFunc("POST /v1/evaluators/{id}/world", s.handleCreateWorld)
	mux.HandleFunc("POST /v1/evaluators/{id}/fitness", s.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluators/{id}/save", s.handleSave)
	mux.HandleFunc("GET /v1/evaluators/{id}/connection", s.handleConnection)
	if s.hub != nil {
		mux.HandleFunc("GET /v1/events", s.hub.Handler())
	}
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateEvaluatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "create_evaluator", "", err)
		return
	}
	problem := evaluator.ProblemConfig{
		Category:      evaluator.Category(req.Category),
		Dimension:     req.Dimension,
		Seed:          req.Seed,
		Deterministic: req.Deterministic,
	}
	entry, err := s.registry.Create(r.Context(), problem)
	if err != nil {
		s.writeError(w, "create_evaluator", "", err)
		return
	}
	state := string(entry.Session.State())
	s.recordAudit("create_evaluator", entry.ID, state, nil)
	if s.index != nil {
		s.index.RecordEvaluator(indexdb.EvaluatorRow{
			ID:            entry.ID,
			Category:      req.Category,
			Dimension:     req.Dimension,
			Seed:          req.Seed,
			Deterministic: req.Deterministic,
			CreatedAt:     time.Now().UTC(),
		})
	}
	s.publish(protocol.EventEvaluatorCreated, entry.ID, state, nil, "")
	s.writeJSON(w, http.StatusCreated, protocol.CreateEvaluatorResponse{
		EvaluatorID: entry.ID,
		State:       state,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.List()
	out := make([]protocol.EvaluatorStatus, 0, len(entries))
	for _, entry := range entries {
		out = append(out, statusOf(entry))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "status", r.PathValue("id"), err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOf(entry))
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Destroy(id); err != nil {
		var unknown *UnknownHandleError
		if errors.As(err, &unknown) {
			s.writeError(w, "destroy_evaluator", id, err)
			return
		}
		// Teardown trouble: the handle is gone regardless, so report
		// success but keep the failure in the audit trail.
		s.recordAudit("destroy_evaluator", id, string(evaluator.StateDestroyed), err)
	} else {
		s.recordAudit("destroy_evaluator", id, string(evaluator.StateDestroyed), nil)
	}
	if s.index != nil {
		s.index.RecordState(indexdb.StateRow{ID: id, State: "DESTROYED", At: time.Now().UTC()})
	}
	s.publish(protocol.EventEvaluatorDestroyed, id, string(evaluator.StateDestroyed), nil, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, "create_world", id, err)
		return
	}
	obs, err := entry.Session.CreateWorld(r.Context())
	state := string(entry.Session.State())
	s.recordAudit("create_world", id, state, err)
	s.recordState(entry)
	if err != nil {
		s.publishFaultIfAny(entry)
		s.writeError(w, "create_world", id, err)
		return
	}
	s.publish(protocol.EventWorldCreated, id, state, nil, "")
	s.writeJSON(w, http.StatusOK, protocol.CreateWorldResponse{
		Observation: protocol.FromMatrix(obs),
		State:       state,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, "evaluate_fitness", id, err)
		return
	}
	var req protocol.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "evaluate_fitness", id, err)
		return
	}
	if err := req.Solution.Validate(); err != nil {
		s.writeError(w, "evaluate_fitness", id, &badRequestError{err})
		return
	}
	solution, err := req.Solution.Matrix()
	if err != nil {
		s.writeError(w, "evaluate_fitness", id, &badRequestError{err})
		return
	}

	started := time.Now()
	score, err := entry.Session.EvaluateFitness(r.Context(), solution)
	state := string(entry.Session.State())
	s.recordAudit("evaluate_fitness", id, state, err)
	s.recordState(entry)
	if err != nil {
		s.publishFaultIfAny(entry)
		s.writeError(w, "evaluate_fitness", id, err)
		return
	}
	ticks := 0
	if problem, ok := entry.Session.CurrentProblem(); ok {
		ticks = problem.TicksForEvaluation
	}
	if s.runs != nil {
		_ = s.runs.WriteRun(plog.RunEntry{
			At:          time.Now().UTC(),
			EvaluatorID: id,
			Category:    string(entry.Problem.Category),
			Dimension:   entry.Problem.Dimension,
			Score:       score,
			Ticks:       ticks,
			DurationMS:  time.Since(started).Milliseconds(),
		})
	}
	if s.index != nil {
		s.index.RecordEvaluation(indexdb.EvaluationRow{
			EvaluatorID: id,
			Score:       score,
			Ticks:       ticks,
			DurationMS:  time.Since(started).Milliseconds(),
			RecordedAt:  time.Now().UTC(),
		})
	}
	s.publish(protocol.EventFitnessEvaluated, id, state, &score, "")
	s.writeJSON(w, http.StatusOK, protocol.EvaluateResponse{Score: score, State: state})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, "save_world", id, err)
		return
	}
	var req protocol.SaveWorldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "save_world", id, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, "save_world", id, &badRequestError{errors.New("path is required")})
		return
	}
	err = entry.Session.SaveWorld(r.Context(), req.Path)
	s.recordAudit("save_world", id, string(entry.Session.State()), err)
	s.recordState(entry)
	if err != nil {
		s.publishFaultIfAny(entry)
		s.writeError(w, "save_world", id, err)
		return
	}
	s.publish(protocol.EventWorldSaved, id, string(entry.Session.State()), nil, req.Path)
	s.writeJSON(w, http.StatusOK, protocol.SaveWorldResponse{Path: req.Path})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, "connection_info", id, err)
		return
	}
	info, err := entry.Session.ConnectionInfo()
	if err != nil {
		s.writeError(w, "connection_info", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.ConnectionInfoResponse{
		GameAddress:     info.GameAddress(),
		GamePassword:    info.GamePassword,
		ConsoleAddress:  info.ConsoleAddress(),
		ConsolePassword: info.ConsolePassword,
	})
}

func statusOf(entry *Entry) protocol.EvaluatorStatus {
	return protocol.EvaluatorStatus{
		EvaluatorID: entry.ID,
		State:       string(entry.Session.State()),
		Category:    string(entry.Problem.Category),
		Dimension:   entry.Problem.Dimension,
	}
}

func (s *Server) recordAudit(op, id, state string, opErr error) {
	if s.audit == nil {
		return
	}
	entry := plog.AuditEntry{At: time.Now().UTC(), Op: op, EvaluatorID: id, State: state}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := s.audit.WriteAudit(entry); err != nil && s.log != nil {
		s.log.Printf("audit: %v", err)
	}
}

func (s *Server) recordState(entry *Entry) {
	if s.index == nil {
		return
	}
	s.index.RecordState(indexdb.StateRow{
		ID:    entry.ID,
		State: string(entry.Session.State()),
		At:    time.Now().UTC(),
	})
}

func (s *Server) publish(kind, id, state string, score *int64, detail string) {
	if s.hub != nil {
		s.hub.Publish(kind, id, state, score, detail)
	}
}

func (s *Server) publishFaultIfAny(entry *Entry) {
	if entry.Session.State() == evaluator.StateFaulted {
		s.publish(protocol.EventEvaluatorFaulted, entry.ID, string(evaluator.StateFaulted), nil, "")
	}
}

// badRequestError marks validation failures that would otherwise be
// indistinguishable from internal errors.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.log != nil {
		s.log.Printf("http: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, op, id string, err error) {
	status, body := classifyError(err)
	if s.log != nil {
		s.log.Printf("http: %s %s: [%s] %v", op, id, body.Code, err)
	}
	s.writeJSON(w, status, body)
}

// classifyError maps internal failures onto the facade's error codes.
func classifyError(err error) (int, protocol.ErrorBody) {
	var (
		unknown   *UnknownHandleError
		capacity  *CapacityError
		state     *evaluator.StateError
		badReq    *badRequestError
		invalid   *evaluator.InvalidInputError
		rpcErr    *rpc.Error
		protoErr  *rpc.ProtocolError
		transport *rcon.TransportError
		engine    *supervisor.Error
		syntax    *json.SyntaxError
		unmarshal *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound, protocol.ErrorBody{Code: protocol.ErrUnknownHandle, Message: err.Error()}
	case errors.As(err, &capacity):
		return http.StatusServiceUnavailable, protocol.ErrorBody{Code: protocol.ErrCapacity, Message: err.Error()}
	case errors.As(err, &state):
		code := protocol.ErrBadState
		if state.State == evaluator.StateFaulted {
			code = protocol.ErrFaulted
		}
		return http.StatusConflict, protocol.ErrorBody{Code: code, Message: err.Error()}
	case errors.As(err, &badReq), errors.As(err, &invalid), errors.As(err, &syntax), errors.As(err, &unmarshal),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// A missing or truncated body is the caller's fault.
		return http.StatusBadRequest, protocol.ErrorBody{Code: protocol.ErrBadRequest, Message: err.Error()}
	case errors.As(err, &rpcErr), errors.As(err, &protoErr), errors.As(err, &transport), errors.As(err, &engine):
		return http.StatusBadGateway, protocol.ErrorBody{Code: protocol.ErrEngine, Message: err.Error()}
	default:
		return http.StatusInternalServerError, protocol.ErrorBody{Code: protocol.ErrInternal, Message: err.Error()}
	}
}
