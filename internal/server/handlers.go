package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go-agent-presence/internal/blackboard"
	"go-agent-presence/internal/core"
	"go-agent-presence/internal/normalizer"
	"go-agent-presence/internal/pipeline"
	"go-agent-presence/internal/storage"
)

// maxBodyBytes caps hook and completion request bodies.
const maxBodyBytes = 1 << 20

type ingestResponse struct {
	OK           bool        `json:"ok"`
	EventID      string      `json:"event_id"`
	AgentID      string      `json:"agent_id"`
	Deduplicated bool        `json:"deduplicated"`
	Changed      bool        `json:"changed"`
	Updated      bool        `json:"updated"`
	Status       core.Status `json:"status,omitempty"`
}

func newIngestResponse(out *pipeline.Outcome) ingestResponse {
	resp := ingestResponse{
		OK:           true,
		EventID:      out.EventID,
		AgentID:      out.AgentID,
		Deduplicated: out.Duplicate,
		Changed:      out.Result.Changed,
		Updated:      out.Result.Updated,
	}
	if out.Result.Changed {
		resp.Status = out.Result.Next
	}
	return resp
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(getIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil || raw == nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.pipeline.Ingest(r.Context(), raw)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIngestResponse(out))
}

type completeRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req completeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	out, err := s.pipeline.Complete(r.Context(), agentID, req.Kind)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIngestResponse(out))
}

// writePipelineError maps pipeline failures onto HTTP statuses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var (
		normErr    *normalizer.Error
		storageErr *pipeline.StorageError
	)
	switch {
	case errors.As(err, &normErr):
		writeError(w, http.StatusUnprocessableEntity, normErr.Error())
	case errors.Is(err, pipeline.ErrUnknownCompletion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storageErr):
		writeError(w, http.StatusInternalServerError, "storage failure")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type agentView struct {
	core.AgentRecord
	State *core.AgentState `json:"state,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Error("list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	states, err := s.store.ListStates(ctx)
	if err != nil {
		s.logger.Error("list states failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	byID := make(map[string]*core.AgentState, len(states))
	for i := range states {
		byID[states[i].AgentID] = &states[i]
	}
	workspace := r.URL.Query().Get("workspace_id")
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		if workspace != "" && a.WorkspaceID != workspace {
			continue
		}
		views = append(views, agentView{AgentRecord: a, State: byID[a.AgentID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

type resumeView struct {
	Agent               *core.AgentRecord `json:"agent"`
	State               *core.AgentState  `json:"state"`
	RecentEvents        []core.Event      `json:"recent_events"`
	TotalTasksCompleted int               `json:"total_tasks_completed"`
	TotalToolsUsed      int               `json:"total_tools_used"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := r.PathValue("id")

	rec, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.logger.Error("get agent failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	view := resumeView{Agent: rec}
	if view.State, err = s.store.GetState(ctx, agentID); err != nil {
		s.logger.Error("get state failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if view.RecentEvents, err = s.store.RecentEvents(ctx, agentID, s.recentLimit); err != nil {
		s.logger.Error("recent events failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if view.TotalTasksCompleted, err = s.store.CountEvents(ctx, agentID, core.EventTaskCompleted); err != nil {
		s.logger.Error("count events failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if view.TotalToolsUsed, err = s.store.CountEvents(ctx, agentID, core.EventToolStarted); err != nil {
		s.logger.Error("count events failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if view.RecentEvents == nil {
		view.RecentEvents = []core.Event{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	sessions, err := s.store.ListSessions(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []core.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.board == nil {
		writeError(w, http.StatusServiceUnavailable, "presence board not configured")
		return
	}
	workspace := r.PathValue("id")
	entries, err := s.board.List(r.Context(), workspace)
	if err != nil {
		s.logger.Error("list presence failed", "workspace_id", workspace, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list presence")
		return
	}
	if entries == nil {
		entries = []blackboard.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": workspace, "agents": entries})
}
