package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/config"
	"github.com/haasonsaas/patchwork/internal/observability"
	"github.com/haasonsaas/patchwork/internal/policy"
	"github.com/haasonsaas/patchwork/internal/sessions"
	"github.com/haasonsaas/patchwork/pkg/models"
)

func newCheckpointID() string {
	return "ckpt-" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store errors onto the HTTP surface.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, keyErr := config.ResolveAPIKey(config.ProviderForModel(s.cfg, s.cfg.Model))
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           "daemon",
		"cwd":            s.cwd,
		"modelId":        s.cfg.Model,
		"apiKeyPresent":  keyErr == nil,
		"activeSessions": s.activeSessionIDs(),
		"dbPath":         s.dbPath,
		"logPath":        s.logPath,
		"daemonHealthy":  true,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}
	tail, err := observability.TailLines(s.logPath, lines)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"path": s.logPath, "lines": []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": s.logPath, "lines": tail})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	specs := []models.ToolSpec{}
	if s.runtime != nil {
		specs = s.runtime.Specs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": specs})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policy": s.currentPolicy()})
}

func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy map[string]any `json:"policy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	normalized, err := policy.Normalize(body.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.replacePolicy(normalized)
	s.logger.Info("policy replaced")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "policy": normalized})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.CreateSession(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": session.ID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	list, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []*models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.UpdateSessionName(r.Context(), r.PathValue("id"), body.Name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Prompt    string `json:"prompt"`
		ModelID   string `json:"modelId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	model := body.ModelID
	if model == "" {
		model = s.cfg.Model
	}
	transport, provider, err := s.transport(model)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	timeout := time.Duration(s.cfg.Timeout.ModelMs) * time.Millisecond
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	// The run outlives the HTTP request context only through explicit
	// cancel; base it on the request so client disconnects stop work.
	runCtx, cancel := context.WithCancel(r.Context())
	release := s.registerRun(sessionID, cancel)
	defer func() {
		cancel()
		release()
	}()

	s.appendEvent(sessionID, models.EventUser, map[string]any{"prompt": body.Prompt})
	s.metrics.RunsStarted.WithLabelValues(provider).Inc()

	started := time.Now()
	result, runErr := agent.Run(runCtx, agent.Options{
		Prompt:    body.Prompt,
		Model:     model,
		Cwd:       s.cwd,
		MaxSteps:  s.cfg.MaxSteps,
		Policy:    s.currentPolicy(),
		Tools:     &instrumentedRuntime{ToolRuntime: s.runtime, metrics: s.metrics},
		Transport: transport,
		Timeout:   timeout,
		Logger:    s.logger,
		OnEvent: func(kind models.EventKind, payload map[string]any) {
			s.appendEvent(sessionID, kind, payload)
		},
		OnPermissionRequest: s.approvalFunc(sessionID),
	})
	s.metrics.ModelRequestDuration.WithLabelValues(provider, model).Observe(time.Since(started).Seconds())

	if runErr != nil {
		outcome := "failed"
		if errors.Is(runErr, agent.ErrModelTimeout) {
			outcome = "failed"
		}
		s.metrics.RunsFinished.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusInternalServerError, runErr.Error())
		return
	}

	outcome := "finished"
	if result.Text == "Stopped: max steps reached" {
		outcome = "max_steps"
	}
	s.metrics.RunsFinished.WithLabelValues(outcome).Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"output": result.Text,
		"policy": result.Policy,
	})
}

// approvalFunc bridges the engine's ask to the broker: enqueue, then wait
// for the reply, the timeout, or run cancellation.
func (s *Server) approvalFunc(sessionID string) agent.ApprovalFunc {
	return func(ctx context.Context, req models.PermissionRequest) approvals.Resolution {
		req.SessionID = sessionID
		_, ch := s.broker.Enqueue(req)
		select {
		case res := <-ch:
			return res
		case <-ctx.Done():
			s.broker.CancelSession(sessionID)
			return approvals.Resolution{Decision: policy.Deny, Err: ctx.Err()}
		}
	}
}

// appendEvent writes one event, logging rather than failing the run when
// the store rejects it.
func (s *Server) appendEvent(sessionID string, kind models.EventKind, payload map[string]any) {
	if _, err := s.store.AppendEvent(context.Background(), sessionID, kind, payload); err != nil {
		s.logger.Warn("append event failed", "session", sessionID, "kind", string(kind), "error", err.Error())
		return
	}
	s.metrics.EventsAppended.WithLabelValues(string(kind)).Inc()
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	pending := s.broker.List(sessionID)
	if pending == nil {
		pending = []models.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Remember *struct {
			Key     string `json:"key"`
			Pattern string `json:"pattern"`
		} `json:"remember"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decision := policy.Decision(body.Decision)
	switch decision {
	case policy.Allow, policy.Deny, policy.Ask:
	default:
		writeError(w, http.StatusBadRequest, "decision must be allow, deny, or ask")
		return
	}

	res := approvals.Resolution{Decision: decision}
	if body.Remember != nil {
		if body.Remember.Key == "" || body.Remember.Pattern == "" {
			writeError(w, http.StatusBadRequest, "remember requires key and pattern")
			return
		}
		res.Remember = &policy.Rule{
			Key:      body.Remember.Key,
			Pattern:  body.Remember.Pattern,
			Decision: decision,
		}
	}

	if err := s.broker.Reply(r.PathValue("id"), r.PathValue("requestId"), res); err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	s.cancelRun(sessionID)
	s.broker.CancelSession(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	checkpointID := newCheckpointID()
	payload := map[string]any{"checkpointId": checkpointID}
	if body.Name != "" {
		payload["name"] = body.Name
	}
	if body.Summary != "" {
		payload["summary"] = body.Summary
	}

	if _, err := s.store.AppendEvent(r.Context(), sessionID, models.EventCheckpoint, payload); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkpointId": checkpointID})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		CheckpointID string `json:"checkpointId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.CheckpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpointId is required")
		return
	}

	// Marker event only: no workspace rollback is implied.
	payload := map[string]any{"checkpointId": body.CheckpointID}
	if _, err := s.store.AppendEvent(r.Context(), sessionID, models.EventRevert, payload); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
