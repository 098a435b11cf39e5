package models

import "time"

// PermissionRequest is a transient record of a tool invocation awaiting a
// human decision. It lives in the approval broker, keyed by
// (sessionID, requestID), until replied to or auto-denied.
type PermissionRequest struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	Op        PermissionOp   `json:"op"`
	Tool      string         `json:"tool"`
	Target    string         `json:"target"`
	Args      map[string]any `json:"args"`
	CreatedAt time.Time      `json:"createdAt"`
}
