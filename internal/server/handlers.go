package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// streamRequest is the body of POST /api/v1/messages/stream.
type streamRequest struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

type messageEnvelope struct {
	Type string `json:"type"`

	// user_message
	Content   string `json:"content"`
	AgentType string `json:"agent_type"`

	// tool_result
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result"`

	// hitl_decision
	Decision     string          `json:"decision"`
	Feedback     string          `json:"feedback"`
	ModifiedArgs json.RawMessage `json:"modified_arguments"`
}

// handleStream is the streaming endpoint: it decodes one of the four
// message variants, dispatches to the orchestrator, and relays the chunk
// stream as SSE frames until the generator closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	var msg messageEnvelope
	if err := json.Unmarshal(req.Message, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed message")
		return
	}

	userID := ""
	if user, ok := auth.UserFromContext(r.Context()); ok {
		userID = user.ID
	}

	ctx := r.Context()
	var chunks <-chan *models.Chunk

	switch msg.Type {
	case "user_message":
		if msg.Content == "" {
			writeError(w, http.StatusBadRequest, "validation", "content is required")
			return
		}
		agentType := models.AgentType(msg.AgentType)
		if msg.AgentType != "" && !agentType.Valid() {
			writeError(w, http.StatusBadRequest, "validation", "unknown agent_type "+msg.AgentType)
			return
		}
		chunks = s.orchestrator.ProcessMessage(ctx, req.SessionID, msg.Content, agentType, userID)

	case "tool_result":
		if msg.CallID == "" || msg.ToolName == "" {
			writeError(w, http.StatusBadRequest, "validation", "call_id and tool_name are required")
			return
		}
		chunks = s.orchestrator.ProcessToolResult(ctx, req.SessionID, msg.CallID, msg.ToolName, decodeResult(msg.Result))

	case "hitl_decision":
		decision := models.Decision(msg.Decision)
		if msg.CallID == "" || !decision.Valid() {
			writeError(w, http.StatusBadRequest, "validation", "call_id and a valid decision are required")
			return
		}
		chunks = s.orchestrator.ProcessHITLDecision(ctx, req.SessionID, msg.CallID, decision, msg.Feedback, msg.ModifiedArgs)

	case "switch_agent":
		agentType := models.AgentType(msg.AgentType)
		if !agentType.Valid() {
			writeError(w, http.StatusBadRequest, "validation", "unknown agent_type "+msg.AgentType)
			return
		}
		chunks = s.orchestrator.ProcessSwitchAgent(ctx, req.SessionID, agentType, msg.Content)

	default:
		writeError(w, http.StatusBadRequest, "validation", "unknown message type "+msg.Type)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	for chunk := range chunks {
		s.metrics.ChunkCounter.WithLabelValues(string(chunk.Type)).Inc()
		if err := sse.Send(chunk); err != nil {
			// Client went away; the orchestrator unwinds via ctx.
			return
		}
	}
}

// decodeResult renders a tool result that may be a string or an object.
func decodeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed request body")
			return
		}
	}

	userID := ""
	if user, ok := auth.UserFromContext(r.Context()); ok {
		userID = user.ID
	}

	session, err := s.sessions.Create(r.Context(), req.SessionID, userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	includeMessages := r.URL.Query().Get("include_messages") == "true"

	session, err := s.sessions.Get(r.Context(), r.PathValue("id"), includeMessages)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if user, ok := auth.UserFromContext(r.Context()); ok && session.UserID != "" && session.UserID != user.ID {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	response := map[string]any{"session": session}
	if pending, err := s.orchestrator.PendingApprovals(r.Context(), session.ID); err == nil && len(pending) > 0 {
		response["pending_approvals"] = pending
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	opts := store.ListOptions{
		Page:           page,
		Size:           size,
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	if user, ok := auth.UserFromContext(r.Context()); ok {
		opts.UserID = user.ID
	}

	result, err := s.sessions.List(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.orchestrator.DeleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sessions.ErrLockTimeout) {
			writeError(w, http.StatusConflict, "lock_timeout", "session is busy")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	type agentInfo struct {
		Type             models.AgentType `json:"type"`
		AllowedTools     []string         `json:"allowed_tools"`
		FileRestrictions []string         `json:"file_restrictions,omitempty"`
	}

	defs := s.registry.All()
	out := make([]agentInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, agentInfo{
			Type:             def.Type,
			AllowedTools:     def.AllowedTools(),
			FileRestrictions: def.FileRestrictions(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   s.registry.Mode(),
		"agents": out,
	})
}

func (s *Server) handleCurrentAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	session, err := s.sessions.Get(r.Context(), sessionID, false)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	current, err := s.orchestrator.CurrentAgent(r.Context(), session.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    session.ID,
		"current_agent": current,
	})
}

type switchAgentRequest struct {
	AgentType string `json:"agent_type"`
	Reason    string `json:"reason"`
}

func (s *Server) handleSwitchAgent(w http.ResponseWriter, r *http.Request) {
	var req switchAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	agentType := models.AgentType(req.AgentType)
	if !agentType.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "unknown agent_type "+req.AgentType)
		return
	}

	sw, err := s.orchestrator.SwitchAgent(r.Context(), r.PathValue("session_id"), agentType, req.Reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if sw == nil {
		writeJSON(w, http.StatusOK, map[string]any{"switched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"switched": true, "switch": sw})
}

func (s *Server) handleEventMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessionUsage.All(),
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	usage := s.sessionUsage.Usage(r.PathValue("id"))
	if usage == nil {
		writeError(w, http.StatusNotFound, "not_found", "no metrics for session")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, store.ErrSessionDeleted):
		writeError(w, http.StatusNotFound, "session_deleted", "session deleted")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
