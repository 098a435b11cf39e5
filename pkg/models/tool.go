package models

import "encoding/json"

// PermissionOp classifies the kind of access a tool needs. Every tool maps
// to exactly one operation; the policy engine resolves decisions per
// operation and per tool.
type PermissionOp string

const (
	OpRead    PermissionOp = "read"
	OpWrite   PermissionOp = "write"
	OpExec    PermissionOp = "exec"
	OpNetwork PermissionOp = "network"
)

// ToolSpec describes a tool visible to the model: its name, a natural
// language description, the JSON schema of its input, and the permission
// operation it requires.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Permission  PermissionOp    `json:"permission"`
}
