package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/patchwork/internal/sessions"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// heartbeatInterval keeps idle streams alive through proxies.
const heartbeatInterval = 30 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to loopback; cross-origin browser clients are
	// local tooling.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// openStream subscribes to a session and takes the event snapshot. The
// subscription is registered before the snapshot read so nothing falls
// between snapshot and first update; events already covered by the
// snapshot are deduplicated by id.
func (s *Server) openStream(r *http.Request, sessionID string) ([]*models.Event, *sessions.Subscription, int64, error) {
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		return nil, nil, 0, err
	}
	sub := s.store.Subscribe(sessionID)
	snapshot, err := s.store.ListEvents(r.Context(), sessionID)
	if err != nil {
		sub.Close()
		return nil, nil, 0, err
	}
	var maxID int64
	for _, evt := range snapshot {
		if evt.ID > maxID {
			maxID = evt.ID
		}
	}
	if snapshot == nil {
		snapshot = []*models.Event{}
	}
	return snapshot, sub, maxID, nil
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	snapshot, sub, maxID, err := s.openStream(r, sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeSSE("snapshot", map[string]any{"events": snapshot}) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !writeSSE("heartbeat", map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)}) {
				return
			}
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if evt.ID <= maxID {
				continue // already delivered in the snapshot
			}
			if !writeSSE("update", map[string]any{"event": evt}) {
				return
			}
		}
	}
}

// handleEventWS mirrors the SSE stream over a websocket: one snapshot
// frame, then update and heartbeat frames.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	snapshot, sub, maxID, err := s.openStream(r, sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeFrame := func(kind string, payload any) bool {
		frame := map[string]any{"type": kind}
		switch kind {
		case "snapshot":
			frame["events"] = payload
		case "update":
			frame["event"] = payload
		case "heartbeat":
			frame["ts"] = payload
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame) == nil
	}

	if !writeFrame("snapshot", snapshot) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !writeFrame("heartbeat", time.Now().UTC().Format(time.RFC3339)) {
				return
			}
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if evt.ID <= maxID {
				continue
			}
			if !writeFrame("update", evt) {
				return
			}
		}
	}
}
