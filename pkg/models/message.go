package models

// Message roles in the conversation transcript supplied to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// AgentMessage is one turn in the transcript sent to the model transport.
// Messages are constructed per step; the event log, not the transcript, is
// the durable source of truth.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
