package server

import (
	"encoding/json"
	"net/http"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/pipeline"
)

// TurnRequest is the POST /v1/turn request body.
type TurnRequest struct {
	// Message is the user's utterance. Must be non-empty.
	Message string `json:"message"`
}

// TurnResponse is the POST /v1/turn response body and the websocket reply
// event payload. Intermediate pipeline artifacts are included so clients can
// show the companion's "thinking process" alongside the reply.
type TurnResponse struct {
	SessionID            string `json:"session_id"`
	Response             string `json:"response"`
	State                string `json:"state"`
	PlanningInstructions string `json:"planning_instructions,omitempty"`
	RetrievedMemory      string `json:"retrieved_memory,omitempty"`

	// MemoryWriteError is set when the reply succeeded but the turn could
	// not be persisted to long-term memory.
	MemoryWriteError string `json:"memory_write_error,omitempty"`

	ElapsedMS int64 `json:"elapsed_ms"`
}

// errorResponse is the JSON body for request-level failures.
type errorResponse struct {
	Error string `json:"error"`
}

// handleTurn runs one conversation turn. A failed pipeline run is NOT an
// HTTP error: the client receives 200 with state "failed" and the fallback
// reply, because that text is exactly what should be shown to the user.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message must not be empty"})
		return
	}

	sess, _, err := s.cfg.Sessions.Session(identityFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "session unavailable"})
		return
	}

	res, err := sess.RunTurn(r.Context(), req.Message)
	if err != nil && res == nil {
		// Input rejected before the pipeline started.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message must not be empty"})
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("turn failed", "identity", sess.Identity, "error", err)
	}

	writeJSON(w, http.StatusOK, turnResponseFrom(sess.ID.String(), res))
}

// turnResponseFrom maps a pipeline result onto the wire shape.
func turnResponseFrom(sessionID string, res *pipeline.Result) TurnResponse {
	tr := TurnResponse{
		SessionID:            sessionID,
		Response:             res.Response,
		State:                string(res.State),
		PlanningInstructions: res.PlanningInstructions,
		RetrievedMemory:      res.RetrievedMemory,
		ElapsedMS:            res.Elapsed.Milliseconds(),
	}
	if res.MemoryWriteErr != nil {
		tr.MemoryWriteError = res.MemoryWriteErr.Error()
	}
	return tr
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}
